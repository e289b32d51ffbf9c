package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

const policyColumns = `company_id, country_code, timezone, work_days, work_start_min, work_end_min,
	break_start_min, break_end_min, session_duration_s, updated_at`

// GetCompanyPolicy returns the stored policy of a company.
func (s *Storage) GetCompanyPolicy(ctx context.Context, companyID string) (persistence.CompanyPolicy, error) {
	row := s.pool.DB().QueryRowContext(ctx, `SELECT `+policyColumns+` FROM company_policies WHERE company_id = ?`, companyID)
	policy, err := scanPolicy(row)
	if err != nil {
		return persistence.CompanyPolicy{}, s.mapper.MapError(err)
	}
	return policy, nil
}

// UpsertCompanyPolicy creates or replaces the policy of a company.
func (s *Storage) UpsertCompanyPolicy(ctx context.Context, policy persistence.CompanyPolicy) error {
	if policy.CompanyID == "" {
		return fmt.Errorf("%w: company id is required", persistence.ErrConstraintViolation)
	}
	return s.exec(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, `
			INSERT INTO company_policies (`+policyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (company_id) DO UPDATE SET
				country_code = excluded.country_code,
				timezone = excluded.timezone,
				work_days = excluded.work_days,
				work_start_min = excluded.work_start_min,
				work_end_min = excluded.work_end_min,
				break_start_min = excluded.break_start_min,
				break_end_min = excluded.break_end_min,
				session_duration_s = excluded.session_duration_s,
				updated_at = excluded.updated_at`,
			policy.CompanyID,
			policy.CountryCode,
			policy.Timezone,
			encodeWeekdays(policy.WorkDays),
			policy.WorkStart,
			policy.WorkEnd,
			nullInt(policy.BreakStart),
			nullInt(policy.BreakEnd),
			int64(policy.SessionDuration/time.Second),
			formatTime(policy.UpdatedAt),
		)
		return err
	})
}

// ListHolidays returns a company's holidays ordered by date.
func (s *Storage) ListHolidays(ctx context.Context, companyID string) ([]persistence.Holiday, error) {
	rows, err := s.pool.DB().QueryContext(ctx, `
		SELECT id, company_id, holiday_date, name, source, created_at
		FROM holidays
		WHERE company_id = ?
		ORDER BY holiday_date`, companyID)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	holidays := []persistence.Holiday{}
	for rows.Next() {
		var (
			h         persistence.Holiday
			createdAt string
		)
		if err := rows.Scan(&h.ID, &h.CompanyID, &h.Date, &h.Name, &h.Source, &createdAt); err != nil {
			return nil, s.mapper.MapError(err)
		}
		if h.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		holidays = append(holidays, h)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return holidays, nil
}

// InsertHolidays stores holidays whose date is not yet on the company calendar.
// Existing dates are left untouched so custom entries survive a sync.
func (s *Storage) InsertHolidays(ctx context.Context, holidays []persistence.Holiday) (int, error) {
	if len(holidays) == 0 {
		return 0, nil
	}
	var inserted int
	err := s.exec(ctx, func() error {
		inserted = 0
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			for _, h := range holidays {
				result, err := tx.ExecContext(ctx, `
					INSERT INTO holidays (id, company_id, holiday_date, name, source, created_at)
					VALUES (?, ?, ?, ?, ?, ?)
					ON CONFLICT (company_id, holiday_date) DO NOTHING`,
					h.ID, h.CompanyID, h.Date, h.Name, h.Source, formatTime(h.CreatedAt),
				)
				if err != nil {
					return err
				}
				n, err := result.RowsAffected()
				if err != nil {
					return err
				}
				inserted += int(n)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// DeleteHoliday removes the holiday on date from a company's calendar.
func (s *Storage) DeleteHoliday(ctx context.Context, companyID, date string) error {
	return s.exec(ctx, func() error {
		result, err := s.pool.DB().ExecContext(ctx,
			`DELETE FROM holidays WHERE company_id = ? AND holiday_date = ?`, companyID, date)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return persistence.ErrNotFound
		}
		return nil
	})
}

func scanPolicy(row rowScanner) (persistence.CompanyPolicy, error) {
	var (
		policy     persistence.CompanyPolicy
		workDays   string
		breakStart sql.NullInt64
		breakEnd   sql.NullInt64
		durationS  int64
		updatedAt  string
	)
	if err := row.Scan(
		&policy.CompanyID,
		&policy.CountryCode,
		&policy.Timezone,
		&workDays,
		&policy.WorkStart,
		&policy.WorkEnd,
		&breakStart,
		&breakEnd,
		&durationS,
		&updatedAt,
	); err != nil {
		return persistence.CompanyPolicy{}, err
	}

	days, err := decodeWeekdays(workDays)
	if err != nil {
		return persistence.CompanyPolicy{}, err
	}
	policy.WorkDays = days
	policy.BreakStart = intPtr(breakStart)
	policy.BreakEnd = intPtr(breakEnd)
	policy.SessionDuration = time.Duration(durationS) * time.Second
	if policy.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.CompanyPolicy{}, err
	}
	return policy, nil
}
