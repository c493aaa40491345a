package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/strokee/strokee/internal/platform/auth"
)

// AuditEntry records one authenticated access to dispatch data.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	UserID     string
	UserRoles  []string
	Resource   string // emergencies, patients, ambulances, ws
	ResourceID string
	Action     string // read, create, update or a lifecycle event name
	Method     string
	Route      string
	Status     int
	IPAddress  string
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// lifecycleRoutes are the POST endpoints that drive an emergency case.
var lifecycleRoutes = map[string]bool{
	"start-emergency":  true,
	"assign-ambulance": true,
	"cancel-emergency": true,
	"confirm-stroke":   true,
	"deliver-patient":  true,
}

// Audit emits an access record for every request under /api/v1 once the
// handler has run. It must sit after the auth middleware so the caller is
// known. Every entry is logged; recorders, when given, also receive it.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			if !strings.HasPrefix(route, "/api/v1/") {
				return err
			}

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := req.Context()
			resource, action := auditTarget(req.Method, route)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				RequestID:  requestID(c),
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   resource,
				ResourceID: c.Param("id"),
				Action:     action,
				Method:     req.Method,
				Route:      route,
				Status:     status,
				IPAddress:  c.RealIP(),
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.Status).
				Str("remote_ip", entry.IPAddress).
				Msg("data_access")

			return err
		}
	}
}

// auditTarget derives the resource and action from a route pattern such as
// /api/v1/emergencies/:id/history or /api/v1/confirm-stroke.
func auditTarget(method, route string) (resource, action string) {
	segments := strings.Split(strings.TrimPrefix(route, "/api/v1/"), "/")
	first := segments[0]
	if lifecycleRoutes[first] {
		return "emergencies", first
	}
	if first == "" {
		first = "unknown"
	}
	return first, methodAction(method)
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
