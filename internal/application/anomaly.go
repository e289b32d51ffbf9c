package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

const (
	minSeverity = 1
	maxSeverity = 5

	// DefaultAnomalyDebounce suppresses repeats of the same (session, type) inside this window.
	DefaultAnomalyDebounce = 10 * time.Minute
)

// AnomalyEvent describes a runtime violation to record.
type AnomalyEvent struct {
	CompanyID   string
	SessionID   string
	Type        AnomalyType
	Severity    int
	Explanation string
	// TriggerKey identifies the occurrence. Emitting the same (session, type, trigger) twice
	// records it once.
	TriggerKey string
	At         time.Time
	// Force skips the debounce window. The trigger key still applies.
	Force bool
}

// AnomalyEmitter records anomalies inside the caller's transaction, so an anomaly commits
// together with the state change that caused it.
type AnomalyEmitter struct {
	debounce    time.Duration
	idGenerator func() string
}

// NewAnomalyEmitter returns an emitter. A negative debounce disables the window.
func NewAnomalyEmitter(debounce time.Duration, idGenerator func() string) *AnomalyEmitter {
	if debounce == 0 {
		debounce = DefaultAnomalyDebounce
	}
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	return &AnomalyEmitter{debounce: debounce, idGenerator: idGenerator}
}

// Emit records event in tx. It returns nil without error when the event is suppressed by the
// debounce window or was already recorded for the same trigger. Storage failures are returned
// so the enclosing transaction rolls back.
func (e *AnomalyEmitter) Emit(ctx context.Context, tx persistence.SessionTx, event AnomalyEvent) (*Anomaly, error) {
	if e == nil {
		return nil, fmt.Errorf("AnomalyEmitter is nil")
	}
	if event.CompanyID == "" || event.Type == "" {
		return nil, fmt.Errorf("anomaly requires a company and a type")
	}

	if event.SessionID != "" && e.debounce > 0 && !event.Force {
		latest, err := tx.LatestAnomaly(ctx, event.SessionID, string(event.Type))
		switch {
		case err == nil:
			if event.At.Sub(latest.DetectedAt) < e.debounce {
				return nil, nil
			}
		case !errors.Is(err, persistence.ErrNotFound):
			return nil, err
		}
	}

	record := persistence.Anomaly{
		ID:          e.idGenerator(),
		CompanyID:   event.CompanyID,
		Type:        string(event.Type),
		Severity:    clampSeverity(event.Severity),
		Explanation: event.Explanation,
		TriggerKey:  event.TriggerKey,
		DetectedAt:  event.At,
	}
	if event.SessionID != "" {
		sessionID := event.SessionID
		record.SessionID = &sessionID
	}
	if record.TriggerKey == "" {
		record.TriggerKey = formatInstant(event.At)
	}

	if err := tx.InsertAnomaly(ctx, record); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			return nil, nil
		}
		return nil, err
	}
	anomaly := toAnomaly(record)
	return &anomaly, nil
}

func clampSeverity(severity int) int {
	if severity < minSeverity {
		return minSeverity
	}
	if severity > maxSeverity {
		return maxSeverity
	}
	return severity
}

// DriftSeverity scales a GEO_DRIFT severity by one point per started 100m past the threshold.
func DriftSeverity(driftMeters, thresholdMeters float64) int {
	over := driftMeters - thresholdMeters
	if over <= 0 || math.IsNaN(over) {
		return minSeverity
	}
	return clampSeverity(int(math.Ceil(over / 100)))
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// AnomalyService exposes anomaly records to administrators.
type AnomalyService struct {
	sessions     persistence.SessionRepository
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewAnomalyService constructs an anomaly service with the provided dependencies.
func NewAnomalyService(sessions persistence.SessionRepository, storeTimeout time.Duration, now func() time.Time) *AnomalyService {
	return NewAnomalyServiceWithLogger(sessions, storeTimeout, now, nil)
}

// NewAnomalyServiceWithLogger constructs an anomaly service with a specified logger.
func NewAnomalyServiceWithLogger(sessions persistence.SessionRepository, storeTimeout time.Duration, now func() time.Time, logger *slog.Logger) *AnomalyService {
	if now == nil {
		now = time.Now
	}
	return &AnomalyService{sessions: sessions, storeTimeout: storeTimeout, now: now, logger: defaultLogger(logger)}
}

func (s *AnomalyService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "AnomalyService", operation, attrs...)
}

// ListAnomalies returns the caller's company anomalies, newest first. Administrators only.
func (s *AnomalyService) ListAnomalies(ctx context.Context, params ListAnomaliesParams) (anomalies []Anomaly, err error) {
	if s == nil {
		err = fmt.Errorf("AnomalyService is nil")
		return
	}
	if !params.Principal.IsAdmin || params.Principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.sessions == nil {
		return nil, nil
	}

	logger := s.loggerWith(ctx, "ListAnomalies",
		"principal_id", params.Principal.UserID,
		"company_id", params.Principal.CompanyID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to list anomalies", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "anomalies listed", "count", len(anomalies))
	}()

	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var records []persistence.Anomaly
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var listErr error
		records, listErr = s.sessions.ListAnomalies(ctx, persistence.AnomalyFilter{
			CompanyID: params.Principal.CompanyID,
			SessionID: params.SessionID,
			OpenOnly:  params.OpenOnly,
			Limit:     limit,
		})
		return listErr
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}

	anomalies = make([]Anomaly, 0, len(records))
	for _, record := range records {
		anomalies = append(anomalies, toAnomaly(record))
	}
	return
}

// ResolveAnomaly marks an anomaly of the caller's company resolved. Administrators only.
func (s *AnomalyService) ResolveAnomaly(ctx context.Context, principal Principal, anomalyID string) (anomaly Anomaly, err error) {
	if s == nil {
		err = fmt.Errorf("AnomalyService is nil")
		return
	}

	logger := s.loggerWith(ctx, "ResolveAnomaly",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"anomaly_id", anomalyID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to resolve anomaly", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "anomaly resolved")
	}()

	if !principal.IsAdmin || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	var record persistence.Anomaly
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var resolveErr error
		record, resolveErr = s.sessions.ResolveAnomaly(ctx, principal.CompanyID, anomalyID, s.now().UTC())
		return resolveErr
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}

	anomaly = toAnomaly(record)
	return
}
