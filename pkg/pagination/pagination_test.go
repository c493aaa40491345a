package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/", DefaultLimit, 0},
		{"custom", "/?limit=50&offset=10", 50, 10},
		{"max limit", "/?limit=500", MaxLimit, 0},
		{"negative offset", "/?offset=-5", DefaultLimit, 0},
		{"garbage", "/?limit=abc&offset=xyz", DefaultLimit, 0},
		{"zero limit", "/?limit=0", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromContext(contextFor(tt.target))
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("expected %d/%d, got %d/%d", tt.wantLimit, tt.wantOffset, p.Limit, p.Offset)
			}
		})
	}
}

func TestSQL(t *testing.T) {
	p := Params{Limit: 25, Offset: 50}
	if got := p.SQL(); got != "LIMIT 25 OFFSET 50" {
		t.Errorf("unexpected SQL: %s", got)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if resp.Total != 10 || !resp.HasMore {
		t.Errorf("expected total 10 with more, got %+v", resp)
	}
	last := NewResponse([]string{"j"}, 10, 2, 9)
	if last.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if p.NextOffset() != 30 {
		t.Errorf("expected next 30, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous clamped to 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() || (Params{Limit: 20}).HasPrevious() {
		t.Error("HasPrevious mismatch")
	}
	if !p.HasNext(31) || p.HasNext(30) {
		t.Error("HasNext mismatch")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	tests := []struct {
		name          string
		total, offset int
		next, prev    string
	}{
		{"first page", 50, 0, "/api/v1/emergencies?limit=20&offset=20", ""},
		{"middle page", 50, 20, "/api/v1/emergencies?limit=20&offset=40", "/api/v1/emergencies?limit=20&offset=0"},
		{"last page", 50, 40, "", "/api/v1/emergencies?limit=20&offset=20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse(nil, tt.total, 20, tt.offset).WithLinks("/api/v1/emergencies")
			if r.Links == nil {
				t.Fatal("expected links")
			}
			if r.Links.Next != tt.next || r.Links.Previous != tt.prev {
				t.Errorf("unexpected links %+v", r.Links)
			}
		})
	}
}

func TestResponse_WithLinks_SinglePage(t *testing.T) {
	r := NewResponse([]int{1}, 1, 20, 0).WithLinks("/x")
	if r.Links != nil {
		t.Errorf("expected no links, got %+v", r.Links)
	}
	b, _ := json.Marshal(r)
	if strings.Contains(string(b), "links") {
		t.Errorf("links should be omitted: %s", b)
	}
}
