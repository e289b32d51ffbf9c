package sqlite

import (
	"context"

	"github.com/example/presence-engine/internal/persistence"
)

const siteColumns = `id, company_id, code, name, city, lat, lng, radius_m, created_at, updated_at`

// GetSite returns a site by id.
func (s *Storage) GetSite(ctx context.Context, id string) (persistence.Site, error) {
	row := s.pool.DB().QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	site, err := scanSite(row)
	if err != nil {
		return persistence.Site{}, s.mapper.MapError(err)
	}
	return site, nil
}

// GetSiteByCode returns a company's site by its scanned code.
func (s *Storage) GetSiteByCode(ctx context.Context, companyID, code string) (persistence.Site, error) {
	row := s.pool.DB().QueryRowContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE company_id = ? AND code = ?`, companyID, code)
	site, err := scanSite(row)
	if err != nil {
		return persistence.Site{}, s.mapper.MapError(err)
	}
	return site, nil
}

// UpsertSite creates a site or edits the one sharing its (company, code). The stored row is returned;
// an existing site keeps its id and created_at.
func (s *Storage) UpsertSite(ctx context.Context, site persistence.Site) (persistence.Site, error) {
	err := s.exec(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, `
			INSERT INTO sites (`+siteColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (company_id, code) DO UPDATE SET
				name = excluded.name,
				city = excluded.city,
				lat = excluded.lat,
				lng = excluded.lng,
				radius_m = excluded.radius_m,
				updated_at = excluded.updated_at`,
			site.ID,
			site.CompanyID,
			site.Code,
			site.Name,
			site.City,
			site.Lat,
			site.Lng,
			site.RadiusMeters,
			formatTime(site.CreatedAt),
			formatTime(site.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return persistence.Site{}, err
	}
	return s.GetSiteByCode(ctx, site.CompanyID, site.Code)
}

// ListSites returns a company's sites ordered by code.
func (s *Storage) ListSites(ctx context.Context, companyID string) ([]persistence.Site, error) {
	rows, err := s.pool.DB().QueryContext(ctx,
		`SELECT `+siteColumns+` FROM sites WHERE company_id = ? ORDER BY code`, companyID)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	sites := []persistence.Site{}
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return sites, nil
}

func scanSite(row rowScanner) (persistence.Site, error) {
	var (
		site      persistence.Site
		createdAt string
		updatedAt string
		err       error
	)
	if err = row.Scan(
		&site.ID,
		&site.CompanyID,
		&site.Code,
		&site.Name,
		&site.City,
		&site.Lat,
		&site.Lng,
		&site.RadiusMeters,
		&createdAt,
		&updatedAt,
	); err != nil {
		return persistence.Site{}, err
	}
	if site.CreatedAt, err = parseTime(createdAt); err != nil {
		return persistence.Site{}, err
	}
	if site.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Site{}, err
	}
	return site, nil
}
