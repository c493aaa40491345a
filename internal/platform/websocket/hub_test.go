package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/strokee/strokee/internal/platform/auth"
	"github.com/strokee/strokee/internal/platform/notify"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("invalid event %s: %v", data, err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("expected no event, got %s", data)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestNewClient_AllowedExchanges(t *testing.T) {
	op := NewClient("op-1", []string{auth.RoleOperator})
	if !op.Allowed(notify.ExchangeOperator) {
		t.Error("operator should consume operator_exchange")
	}
	if op.Allowed(notify.ExchangePatient) {
		t.Error("operator should not consume patient_exchange")
	}

	admin := NewClient("root", []string{auth.RoleAdmin})
	for _, ex := range notify.Exchanges {
		if !admin.Allowed(ex) {
			t.Errorf("admin should consume %s", ex)
		}
	}
	if admin.Subject != "" {
		t.Errorf("admin should not be scoped to a subject, got %q", admin.Subject)
	}
}

func TestHub_RegisterFiltersTopics(t *testing.T) {
	hub := newTestHub()
	client := NewClient("medic-1", []string{auth.RoleParamedic})
	client.Topics = []string{notify.ExchangeParamedic, notify.ExchangeOperator}

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(notify.ExchangeParamedic) != 1 {
		t.Errorf("expected 1 paramedic subscriber, got %d", hub.TopicCount(notify.ExchangeParamedic))
	}
	if hub.TopicCount(notify.ExchangeOperator) != 0 {
		t.Errorf("paramedic must not subscribe to operator_exchange")
	}
	if len(client.Topics) != 1 {
		t.Errorf("expected 1 topic on client, got %v", client.Topics)
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub()
	client := NewClient("op-1", []string{auth.RoleOperator})
	client.Topics = []string{notify.ExchangeOperator}
	hub.Register(client)

	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 || hub.TopicCount(notify.ExchangeOperator) != 0 {
		t.Fatal("expected hub to be empty")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	hub := newTestHub()
	op := NewClient("op-1", []string{auth.RoleOperator})
	op.Topics = []string{notify.ExchangeOperator}
	medic := NewClient("medic-1", []string{auth.RoleParamedic})
	medic.Topics = []string{notify.ExchangeParamedic}
	hub.Register(op)
	hub.Register(medic)

	body := []byte(`{"type":"emergency.started","patient_id":"p-1","occurred_at":"2026-01-02T03:04:05Z"}`)
	if err := hub.Publish(context.Background(), notify.ExchangeOperator, "emergency.started", body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := receive(t, op)
	if ev.Exchange != notify.ExchangeOperator || ev.Type != "emergency.started" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("expected occurred_at as timestamp, got %v", ev.Timestamp)
	}
	if !strings.Contains(string(ev.Data), `"patient_id":"p-1"`) {
		t.Errorf("expected payload in data, got %s", ev.Data)
	}
	expectNothing(t, medic)
}

func TestHub_PatientSeesOnlyOwnEvents(t *testing.T) {
	hub := newTestHub()
	alice := NewClient("p-alice", []string{auth.RolePatient})
	alice.Topics = []string{notify.ExchangePatient}
	bob := NewClient("p-bob", []string{auth.RolePatient})
	bob.Topics = []string{notify.ExchangePatient}
	admin := NewClient("root", []string{auth.RoleAdmin})
	admin.Topics = []string{notify.ExchangePatient}
	hub.Register(alice)
	hub.Register(bob)
	hub.Register(admin)

	hub.Publish(context.Background(), notify.ExchangePatient, "emergency.assigned",
		[]byte(`{"patient_id":"p-alice"}`))

	if ev := receive(t, alice); ev.Type != "emergency.assigned" {
		t.Errorf("unexpected event %+v", ev)
	}
	receive(t, admin)
	expectNothing(t, bob)
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub()
	hub.Broadcast(notify.ExchangeHealthCenter, Event{Type: "emergency.confirmed"})
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := newTestHub()
	client := NewClient("op-1", []string{auth.RoleOperator})
	client.Send = make(chan []byte, 1)
	client.Topics = []string{notify.ExchangeOperator}
	hub.Register(client)

	for i := 0; i < 3; i++ {
		hub.Publish(context.Background(), notify.ExchangeOperator, "emergency.started", []byte(`{}`))
	}
	if len(client.Send) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(client.Send))
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := NewClient("both", []string{auth.RoleOperator, auth.RoleParamedic})
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{
		Action: "subscribe",
		Topics: []string{notify.ExchangeOperator, notify.ExchangeParamedic, notify.ExchangeOperator},
	})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics without duplicates, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{notify.ExchangeOperator}})
	if hub.TopicCount(notify.ExchangeOperator) != 0 {
		t.Errorf("expected 0 operator subscribers, got %d", hub.TopicCount(notify.ExchangeOperator))
	}
	if hub.TopicCount(notify.ExchangeParamedic) != 1 {
		t.Errorf("expected 1 paramedic subscriber, got %d", hub.TopicCount(notify.ExchangeParamedic))
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient("op", []string{auth.RoleOperator})
			c.Topics = []string{notify.ExchangeOperator}
			hub.Register(c)
			hub.Publish(context.Background(), notify.ExchangeOperator, "emergency.started", []byte(`{}`))
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no list", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"listed", []string{"https://dispatch.example/"}, "https://dispatch.example", true},
		{"unlisted", []string{"https://dispatch.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://dispatch.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.origins)(r); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestWebSocketHandler_RequiresIdentity(t *testing.T) {
	handler := NewWebSocketHandler(newTestHub(), nil)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := handler.HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestWebSocketHandler_RejectsPlainHTTP(t *testing.T) {
	hub := newTestHub()
	handler := NewWebSocketHandler(hub, nil)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "op-1", []string{auth.RoleOperator}))
	rec := httptest.NewRecorder()

	handler.HandleConnect(e.NewContext(req, rec))

	if rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
	if hub.ClientCount() != 0 {
		t.Fatal("expected no client to be registered")
	}
}

func TestWebSocketHandler_EndToEnd(t *testing.T) {
	hub := newTestHub()
	handler := NewWebSocketHandler(hub, nil)

	e := echo.New()
	g := e.Group("", auth.DevAuthMiddleware())
	handler.RegisterRoutes(g)
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=" + notify.ExchangeOperator
	header := http.Header{}
	header.Set(auth.DevUserHeader, "op-1")
	header.Set(auth.DevRoleHeader, auth.RoleOperator)
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(notify.ExchangeOperator) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), notify.ExchangeOperator, "emergency.confirmed", []byte(`{"nih_scale":7}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != "emergency.confirmed" || received.Exchange != notify.ExchangeOperator {
		t.Fatalf("unexpected event %+v", received)
	}
}
