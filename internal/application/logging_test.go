package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/example/presence-engine/internal/logging"
)

func TestDefaultLogger(t *testing.T) {
	t.Parallel()

	custom := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := defaultLogger(custom); got != custom {
		t.Fatalf("expected custom logger to be returned")
	}

	if got := defaultLogger(nil); got != slog.Default() {
		t.Fatalf("expected default logger when none provided")
	}
}

func TestServiceLoggerPrefersContextLogger(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{}
	ctxLogger := slog.New(handler)
	base := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx := logging.ContextWithLogger(context.Background(), ctxLogger)
	serviceLogger(ctx, base, "PresenceEngine", "StartCheckin", "company_id", "co-1").Info("hello")

	if len(handler.records) != 1 {
		t.Fatalf("expected context logger to receive the record, got %d records", len(handler.records))
	}
	attrs := handler.attrs
	if attrs["service"] != "PresenceEngine" || attrs["operation"] != "StartCheckin" || attrs["company_id"] != "co-1" {
		t.Fatalf("unexpected attributes: %#v", attrs)
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		"":                    nil,
		"unauthorized":        ErrUnauthorized,
		"not_found":           fmt.Errorf("%w: session", ErrNotFound),
		"policy_violation":    &PolicyViolationError{},
		"geofence_violation":  &GeofenceViolationError{},
		"token_invalid":       ErrTokenInvalid,
		"conflicting_session": ErrConflictingSession,
		"challenge_open":      ErrChallengeOpen,
		"challenge_expired":   ErrChallengeExpired,
		"session_not_due":     ErrSessionNotDue,
		"session_expired":     ErrSessionExpired,
		"invalid_state":       ErrInvalidState,
		"store_timeout":       ErrStoreTimeout,
		"validation":          &ValidationError{FieldErrors: map[string]string{"a": "b"}},
		"unexpected":          fmt.Errorf("boom"),
	}
	for want, err := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v): expected %q, got %q", err, want, got)
		}
	}
}

type recordingHandler struct {
	records []slog.Record
	attrs   map[string]any
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		merged[a.Key] = a.Value.Any()
	}
	return &childHandler{parent: h, attrs: merged}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

type childHandler struct {
	parent *recordingHandler
	attrs  map[string]any
}

func (c *childHandler) Enabled(context.Context, slog.Level) bool { return true }

func (c *childHandler) Handle(ctx context.Context, r slog.Record) error {
	c.parent.attrs = c.attrs
	return c.parent.Handle(ctx, r)
}

func (c *childHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make(map[string]any, len(c.attrs)+len(attrs))
	for k, v := range c.attrs {
		merged[k] = v
	}
	for _, a := range attrs {
		merged[a.Key] = a.Value.Any()
	}
	return &childHandler{parent: c.parent, attrs: merged}
}

func (c *childHandler) WithGroup(string) slog.Handler { return c }
