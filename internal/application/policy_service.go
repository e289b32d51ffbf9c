package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/example/presence-engine/internal/geofence"
	"github.com/example/presence-engine/internal/holidays"
	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/policy"
)

// PolicyServiceConfig tunes the policy service.
type PolicyServiceConfig struct {
	// CacheTTL bounds snapshot reuse. Zero selects 30 seconds and a negative value disables the cache.
	CacheTTL     time.Duration
	StoreTimeout time.Duration
}

// PolicyService manages company policies, sites and holiday calendars, and serves the policy
// snapshots the engine evaluates check-ins against.
type PolicyService struct {
	policies     persistence.PolicyRepository
	sites        persistence.SiteRepository
	provider     holidays.Provider
	cache        *policyCache
	storeTimeout time.Duration
	idGenerator  func() string
	now          func() time.Time
	logger       *slog.Logger
}

// NewPolicyService constructs a policy service with the provided dependencies.
func NewPolicyService(policies persistence.PolicyRepository, sites persistence.SiteRepository, provider holidays.Provider, cfg PolicyServiceConfig, idGenerator func() string, now func() time.Time) *PolicyService {
	return NewPolicyServiceWithLogger(policies, sites, provider, cfg, idGenerator, now, nil)
}

// NewPolicyServiceWithLogger constructs a policy service with a specified logger.
func NewPolicyServiceWithLogger(policies persistence.PolicyRepository, sites persistence.SiteRepository, provider holidays.Provider, cfg PolicyServiceConfig, idGenerator func() string, now func() time.Time, logger *slog.Logger) *PolicyService {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	return &PolicyService{
		policies:     policies,
		sites:        sites,
		provider:     provider,
		cache:        newPolicyCache(cfg.CacheTTL, 0, now),
		storeTimeout: cfg.StoreTimeout,
		idGenerator:  idGenerator,
		now:          now,
		logger:       defaultLogger(logger),
	}
}

func (s *PolicyService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "PolicyService", operation, attrs...)
}

// Snapshot returns the company's policy including its holiday calendar. A company without a
// stored policy yields ErrNotFound.
func (s *PolicyService) Snapshot(ctx context.Context, companyID string) (policy.Policy, error) {
	if s == nil {
		return policy.Policy{}, fmt.Errorf("PolicyService is nil")
	}
	if cached, ok := s.cache.Get(companyID); ok {
		return cached, nil
	}
	if s.policies == nil {
		return policy.Policy{}, fmt.Errorf("policy repository not configured")
	}

	var (
		record  persistence.CompanyPolicy
		entries []persistence.Holiday
	)
	err := withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		if record, err = s.policies.GetCompanyPolicy(ctx, companyID); err != nil {
			return err
		}
		entries, err = s.policies.ListHolidays(ctx, companyID)
		return err
	})
	if err != nil {
		return policy.Policy{}, mapStoreError(err)
	}

	snapshot, err := toPolicy(record, entries)
	if err != nil {
		return policy.Policy{}, err
	}
	s.cache.Store(companyID, snapshot)
	return snapshot, nil
}

// GetPolicy returns the caller's company policy.
func (s *PolicyService) GetPolicy(ctx context.Context, principal Principal) (policy.Policy, error) {
	if principal.CompanyID == "" {
		return policy.Policy{}, ErrUnauthorized
	}
	return s.Snapshot(ctx, principal.CompanyID)
}

// UpdatePolicy validates and stores the caller's company policy. Administrators only.
func (s *PolicyService) UpdatePolicy(ctx context.Context, principal Principal, input PolicyInput) (updated policy.Policy, err error) {
	if s == nil {
		err = fmt.Errorf("PolicyService is nil")
		return
	}

	logger := s.loggerWith(ctx, "UpdatePolicy",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update policy", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "policy updated", "timezone", updated.Timezone)
	}()

	if !principal.IsAdmin || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.policies == nil {
		err = fmt.Errorf("policy repository not configured")
		return
	}

	candidate, vErr := buildPolicy(principal.CompanyID, input)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	record := fromPolicy(candidate, s.now().UTC())
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.policies.UpsertCompanyPolicy(ctx, record)
	})
	if err != nil {
		if errors.Is(err, persistence.ErrConstraintViolation) {
			vErr := &ValidationError{}
			vErr.add("work_end", "work end must be after work start")
			err = vErr
		}
		return
	}

	s.cache.Invalidate(principal.CompanyID)
	updated, err = s.Snapshot(ctx, principal.CompanyID)
	return
}

// ListSites returns the caller's company sites.
func (s *PolicyService) ListSites(ctx context.Context, principal Principal) ([]Site, error) {
	if s == nil {
		return nil, fmt.Errorf("PolicyService is nil")
	}
	if principal.CompanyID == "" {
		return nil, ErrUnauthorized
	}
	if s.sites == nil {
		return nil, nil
	}

	var records []persistence.Site
	err := withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		records, err = s.sites.ListSites(ctx, principal.CompanyID)
		return err
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	sites := make([]Site, 0, len(records))
	for _, record := range records {
		sites = append(sites, toSite(record))
	}
	return sites, nil
}

// UpsertSite registers or edits a site of the caller's company. Administrators only.
func (s *PolicyService) UpsertSite(ctx context.Context, principal Principal, input SiteInput) (site Site, err error) {
	if s == nil {
		err = fmt.Errorf("PolicyService is nil")
		return
	}

	logger := s.loggerWith(ctx, "UpsertSite",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"site_code", input.Code,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to save site", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("site_id", site.ID).InfoContext(ctx, "site saved")
	}()

	if !principal.IsAdmin || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.sites == nil {
		err = fmt.Errorf("site repository not configured")
		return
	}

	if vErr := validateSiteInput(input); vErr.HasErrors() {
		err = vErr
		return
	}

	now := s.now().UTC()
	record := persistence.Site{
		ID:           s.idGenerator(),
		CompanyID:    principal.CompanyID,
		Code:         normalizeSiteCode(input.Code),
		Name:         strings.TrimSpace(input.Name),
		City:         strings.TrimSpace(input.City),
		Lat:          input.Lat,
		Lng:          input.Lng,
		RadiusMeters: input.RadiusMeters,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var upsertErr error
		record, upsertErr = s.sites.UpsertSite(ctx, record)
		return upsertErr
	})
	if err != nil {
		if errors.Is(err, persistence.ErrConstraintViolation) {
			vErr := &ValidationError{}
			vErr.add("radius_m", "radius must be positive")
			err = vErr
		}
		return
	}

	site = toSite(record)
	return
}

// ListHolidays returns the caller's company calendar. A zero year returns every entry.
func (s *PolicyService) ListHolidays(ctx context.Context, principal Principal, year int) ([]policy.Holiday, error) {
	if s == nil {
		return nil, fmt.Errorf("PolicyService is nil")
	}
	if principal.CompanyID == "" {
		return nil, ErrUnauthorized
	}
	if s.policies == nil {
		return nil, nil
	}

	var records []persistence.Holiday
	err := withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		records, err = s.policies.ListHolidays(ctx, principal.CompanyID)
		return err
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	entries, err := toHolidays(records)
	if err != nil {
		return nil, err
	}
	if year == 0 {
		return entries, nil
	}
	filtered := entries[:0]
	for _, h := range entries {
		if h.Date.Year == year {
			filtered = append(filtered, h)
		}
	}
	return filtered, nil
}

// AddHoliday declares a custom holiday. Administrators only.
func (s *PolicyService) AddHoliday(ctx context.Context, principal Principal, input HolidayInput) (holiday policy.Holiday, err error) {
	if s == nil {
		err = fmt.Errorf("PolicyService is nil")
		return
	}

	logger := s.loggerWith(ctx, "AddHoliday",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"date", input.Date,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to add holiday", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "holiday added")
	}()

	if !principal.IsAdmin || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.policies == nil {
		err = fmt.Errorf("policy repository not configured")
		return
	}

	vErr := &ValidationError{}
	date, parseErr := policy.ParseDate(input.Date)
	if parseErr != nil {
		vErr.add("date", "date must use YYYY-MM-DD")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		vErr.add("name", "name is required")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	record := persistence.Holiday{
		ID:        s.idGenerator(),
		CompanyID: principal.CompanyID,
		Date:      date.String(),
		Name:      name,
		Source:    string(policy.HolidaySourceCustom),
		CreatedAt: s.now().UTC(),
	}
	var added int
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var insertErr error
		added, insertErr = s.policies.InsertHolidays(ctx, []persistence.Holiday{record})
		return insertErr
	})
	if err != nil {
		return
	}
	if added == 0 {
		vErr.add("date", "a holiday already exists on this date")
		err = vErr
		return
	}

	s.cache.Invalidate(principal.CompanyID)
	holiday = policy.Holiday{Date: date, Name: name, Source: policy.HolidaySourceCustom}
	return
}

// DeleteHoliday removes a calendar entry. Administrators only.
func (s *PolicyService) DeleteHoliday(ctx context.Context, principal Principal, date string) (err error) {
	if s == nil {
		return fmt.Errorf("PolicyService is nil")
	}
	if !principal.IsAdmin || principal.CompanyID == "" {
		return ErrUnauthorized
	}
	if s.policies == nil {
		return fmt.Errorf("policy repository not configured")
	}

	logger := s.loggerWith(ctx, "DeleteHoliday",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"date", date,
	)

	parsed, parseErr := policy.ParseDate(date)
	if parseErr != nil {
		vErr := &ValidationError{}
		vErr.add("date", "date must use YYYY-MM-DD")
		return vErr
	}

	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.policies.DeleteHoliday(ctx, principal.CompanyID, parsed.String())
	})
	if err != nil {
		err = mapStoreError(err)
		logger.ErrorContext(ctx, "failed to delete holiday", "error", err, "error_kind", ErrorKind(err))
		return err
	}

	s.cache.Invalidate(principal.CompanyID)
	logger.InfoContext(ctx, "holiday deleted")
	return nil
}

// SyncHolidays imports official holidays for country and year. An empty country falls back to the
// policy's country code. Dates already on the calendar are kept, so repeated syncs add nothing.
func (s *PolicyService) SyncHolidays(ctx context.Context, principal Principal, country string, year int) (result SyncHolidaysResult, err error) {
	if s == nil {
		err = fmt.Errorf("PolicyService is nil")
		return
	}

	logger := s.loggerWith(ctx, "SyncHolidays",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"year", year,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to sync holidays", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "holidays synced", "country_code", result.CountryCode, "added", result.Added)
	}()

	if !principal.IsAdmin || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.provider == nil || s.policies == nil {
		err = fmt.Errorf("holiday provider not configured")
		return
	}

	if year == 0 {
		year = s.now().UTC().Year()
	}
	if strings.TrimSpace(country) == "" {
		var snapshot policy.Policy
		if snapshot, err = s.Snapshot(ctx, principal.CompanyID); err != nil {
			return
		}
		country = snapshot.CountryCode
	}

	vErr := &ValidationError{}
	code, codeErr := holidays.NormalizeCountry(country)
	if codeErr != nil {
		vErr.add("country_code", "country code must be an ISO 3166-1 alpha-2 code")
	}
	if year < 1900 || year > 2200 {
		vErr.add("year", "year must be between 1900 and 2200")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	official, fetchErr := s.provider.PublicHolidays(ctx, code, year)
	switch {
	case errors.Is(fetchErr, holidays.ErrUnknownCountry):
		vErr.add("country_code", "no public calendar for this country")
		err = vErr
		return
	case fetchErr != nil:
		err = fmt.Errorf("%w: %v", ErrUnavailable, fetchErr)
		return
	}

	created := s.now().UTC()
	records := make([]persistence.Holiday, 0, len(official))
	for _, h := range official {
		records = append(records, persistence.Holiday{
			ID:        s.idGenerator(),
			CompanyID: principal.CompanyID,
			Date:      h.Date,
			Name:      h.Name,
			Source:    string(policy.HolidaySourceOfficial),
			CreatedAt: created,
		})
	}

	var added int
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var insertErr error
		added, insertErr = s.policies.InsertHolidays(ctx, records)
		return insertErr
	})
	if err != nil {
		return
	}

	s.cache.Invalidate(principal.CompanyID)
	result = SyncHolidaysResult{CountryCode: code, Year: year, Added: added}
	return
}

func buildPolicy(companyID string, input PolicyInput) (policy.Policy, *ValidationError) {
	vErr := &ValidationError{}
	candidate := policy.Policy{
		CompanyID:       companyID,
		Timezone:        strings.TrimSpace(input.Timezone),
		SessionDuration: input.SessionDuration,
	}

	if code := strings.TrimSpace(input.CountryCode); code != "" {
		normalized, err := holidays.NormalizeCountry(code)
		if err != nil {
			vErr.add("country_code", "country code must be an ISO 3166-1 alpha-2 code")
		}
		candidate.CountryCode = normalized
	}

	seen := make(map[time.Weekday]bool, len(input.WorkDays))
	for _, index := range input.WorkDays {
		day, ok := policy.WeekdayFromIndex(index)
		if !ok {
			vErr.add("work_days", "work days must be between 0 (Monday) and 6 (Sunday)")
			continue
		}
		if !seen[day] {
			seen[day] = true
			candidate.WorkDays = append(candidate.WorkDays, day)
		}
	}
	sort.Slice(candidate.WorkDays, func(i, j int) bool {
		return policy.IndexOfWeekday(candidate.WorkDays[i]) < policy.IndexOfWeekday(candidate.WorkDays[j])
	})

	start, err := policy.ParseClockTime(input.WorkStart)
	if err != nil {
		vErr.add("work_start", "work start must use HH:MM")
	}
	end, err := policy.ParseClockTime(input.WorkEnd)
	if err != nil {
		vErr.add("work_end", "work end must use HH:MM")
	}
	candidate.Work = policy.Window{Start: start, End: end}

	breakStart, breakEnd := strings.TrimSpace(input.BreakStart), strings.TrimSpace(input.BreakEnd)
	switch {
	case breakStart == "" && breakEnd == "":
	case breakStart == "" || breakEnd == "":
		vErr.add("work_break_start", "break start and end must be set together")
	default:
		bs, errStart := policy.ParseClockTime(breakStart)
		be, errEnd := policy.ParseClockTime(breakEnd)
		if errStart != nil {
			vErr.add("work_break_start", "break start must use HH:MM")
		}
		if errEnd != nil {
			vErr.add("work_break_end", "break end must use HH:MM")
		}
		if errStart == nil && errEnd == nil {
			candidate.Break = &policy.Window{Start: bs, End: be}
		}
	}

	if vErr.HasErrors() {
		return candidate, vErr
	}
	for field, message := range candidate.Problems() {
		vErr.add(field, message)
	}
	return candidate, vErr
}

func validateSiteInput(input SiteInput) *ValidationError {
	vErr := &ValidationError{}
	if normalizeSiteCode(input.Code) == "" {
		vErr.add("code", "code is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		vErr.add("name", "name is required")
	}
	if err := (geofence.Point{Lat: input.Lat, Lng: input.Lng}).Validate(); err != nil {
		vErr.add("lat", "coordinates must be a valid latitude and longitude")
	}
	if math.IsNaN(input.RadiusMeters) || input.RadiusMeters <= 0 {
		vErr.add("radius_m", "radius must be positive")
	}
	return vErr
}

func normalizeSiteCode(code string) string {
	trimmed := strings.TrimSpace(code)
	if rest, ok := strings.CutPrefix(trimmed, SiteQRPrefix); ok {
		trimmed = strings.TrimSpace(rest)
	}
	return trimmed
}

func toPolicy(record persistence.CompanyPolicy, records []persistence.Holiday) (policy.Policy, error) {
	snapshot := policy.Policy{
		CompanyID:       record.CompanyID,
		CountryCode:     record.CountryCode,
		Timezone:        record.Timezone,
		Work:            policy.Window{Start: policy.ClockTime(record.WorkStart), End: policy.ClockTime(record.WorkEnd)},
		SessionDuration: record.SessionDuration,
	}
	for _, d := range record.WorkDays {
		snapshot.WorkDays = append(snapshot.WorkDays, time.Weekday(d))
	}
	if record.BreakStart != nil && record.BreakEnd != nil {
		snapshot.Break = &policy.Window{Start: policy.ClockTime(*record.BreakStart), End: policy.ClockTime(*record.BreakEnd)}
	}
	entries, err := toHolidays(records)
	if err != nil {
		return policy.Policy{}, err
	}
	snapshot.Holidays = entries
	return snapshot, nil
}

func toHolidays(records []persistence.Holiday) ([]policy.Holiday, error) {
	entries := make([]policy.Holiday, 0, len(records))
	for _, r := range records {
		date, err := policy.ParseDate(r.Date)
		if err != nil {
			return nil, fmt.Errorf("stored holiday %s: %w", r.ID, err)
		}
		entries = append(entries, policy.Holiday{Date: date, Name: r.Name, Source: policy.HolidaySource(r.Source)})
	}
	policy.SortHolidays(entries)
	return entries, nil
}

func fromPolicy(p policy.Policy, updatedAt time.Time) persistence.CompanyPolicy {
	record := persistence.CompanyPolicy{
		CompanyID:       p.CompanyID,
		CountryCode:     p.CountryCode,
		Timezone:        p.Timezone,
		WorkStart:       int(p.Work.Start),
		WorkEnd:         int(p.Work.End),
		SessionDuration: p.SessionDuration,
		UpdatedAt:       updatedAt,
	}
	for _, d := range p.WorkDays {
		record.WorkDays = append(record.WorkDays, int(d))
	}
	if p.Break != nil {
		start, end := int(p.Break.Start), int(p.Break.End)
		record.BreakStart = &start
		record.BreakEnd = &end
	}
	return record
}
