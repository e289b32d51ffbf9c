package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/config"
	"github.com/example/presence-engine/internal/policy"
)

// seedActor is recorded as the principal for seeded changes.
const seedActor = "presenced-seed"

// seedFile is the YAML document accepted by `presenced seed`.
type seedFile struct {
	Companies []seedCompany `yaml:"companies"`
}

type seedCompany struct {
	ID           string        `yaml:"id"`
	Policy       *seedPolicy   `yaml:"policy"`
	Sites        []seedSite    `yaml:"sites"`
	Holidays     []seedHoliday `yaml:"holidays"`
	SyncHolidays []int         `yaml:"sync_holidays"`
}

type seedPolicy struct {
	CountryCode     string `yaml:"country_code"`
	Timezone        string `yaml:"timezone"`
	WorkDays        []int  `yaml:"work_days"`
	WorkStart       string `yaml:"work_start"`
	WorkEnd         string `yaml:"work_end"`
	BreakStart      string `yaml:"break_start"`
	BreakEnd        string `yaml:"break_end"`
	SessionDuration string `yaml:"session_duration"`
}

type seedSite struct {
	Code         string  `yaml:"code"`
	Name         string  `yaml:"name"`
	City         string  `yaml:"city"`
	Lat          float64 `yaml:"lat"`
	Lng          float64 `yaml:"lng"`
	RadiusMeters float64 `yaml:"radius_m"`
}

type seedHoliday struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// seedSummary counts what a seed run changed.
type seedSummary struct {
	Companies       int
	Sites           int
	Holidays        int
	HolidaysSkipped int
	HolidaysSynced  int
}

// policyAdmin is the subset of the policy service the seeder drives.
type policyAdmin interface {
	UpdatePolicy(ctx context.Context, principal application.Principal, input application.PolicyInput) (policy.Policy, error)
	UpsertSite(ctx context.Context, principal application.Principal, input application.SiteInput) (application.Site, error)
	AddHoliday(ctx context.Context, principal application.Principal, input application.HolidayInput) (policy.Holiday, error)
	SyncHolidays(ctx context.Context, principal application.Principal, country string, year int) (application.SyncHolidaysResult, error)
}

func newSeedCommand(opts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed -f FILE",
		Short: "Load company policies, sites and holidays from a YAML file",
		Long: `Load company policies, sites and custom holidays from a YAML file.

Policies are replaced, sites are matched by code and holidays already on the
calendar are skipped, so a seed file can be applied repeatedly. Years listed
under sync_holidays are fetched from the holiday provider.

Example:

  companies:
    - id: company-001
      policy:
        country_code: BJ
        timezone: Africa/Porto-Novo
        work_days: [0, 1, 2, 3, 4]   # Monday = 0
        work_start: "08:00"
        work_end: "18:00"
        break_start: "13:00"
        break_end: "14:00"
        session_duration: 8h
      sites:
        - {code: HQ, name: Head office, city: Cotonou, lat: 6.3654, lng: 2.4183, radius_m: 200}
      holidays:
        - {date: "2025-08-01", name: Independence Day}
      sync_holidays: [2025]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading seed file: %w", err)
			}
			seed, err := parseSeed(data)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			s, err := openStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := s.Close(); cerr != nil {
					logger.Error("failed to close storage", "error", cerr)
				}
			}()

			svc := newServices(cfg, s, time.Now, logger)
			summary, err := applySeed(cmd.Context(), svc.policies, seed, logger)
			printSeedSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Seed file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseSeed(data []byte) (seedFile, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seedFile{}, fmt.Errorf("parsing seed file: %w", err)
	}
	if len(seed.Companies) == 0 {
		return seedFile{}, fmt.Errorf("seed file declares no companies")
	}
	seen := make(map[string]bool, len(seed.Companies))
	for i, company := range seed.Companies {
		id := strings.TrimSpace(company.ID)
		if id == "" {
			return seedFile{}, fmt.Errorf("company %d: id is required", i)
		}
		if seen[id] {
			return seedFile{}, fmt.Errorf("company %s is declared twice", id)
		}
		seen[id] = true
		seed.Companies[i].ID = id
		if company.Policy != nil && company.Policy.SessionDuration != "" {
			if _, err := time.ParseDuration(company.Policy.SessionDuration); err != nil {
				return seedFile{}, fmt.Errorf("company %s: invalid session_duration %q", id, company.Policy.SessionDuration)
			}
		}
		for _, h := range company.Holidays {
			if _, err := policy.ParseDate(h.Date); err != nil {
				return seedFile{}, fmt.Errorf("company %s: invalid holiday date %q", id, h.Date)
			}
		}
	}
	return seed, nil
}

// applySeed writes every company in order and stops at the first failure. The summary covers the
// work done before it.
func applySeed(ctx context.Context, admin policyAdmin, seed seedFile, logger *slog.Logger) (seedSummary, error) {
	var summary seedSummary

	for _, company := range seed.Companies {
		principal := application.Principal{UserID: seedActor, CompanyID: company.ID, IsAdmin: true}
		log := logger.With("company_id", company.ID)

		countryCode := ""
		if company.Policy != nil {
			input, err := company.Policy.input()
			if err != nil {
				return summary, fmt.Errorf("company %s: %w", company.ID, err)
			}
			updated, err := admin.UpdatePolicy(ctx, principal, input)
			if err != nil {
				return summary, fmt.Errorf("company %s: policy: %w", company.ID, err)
			}
			countryCode = updated.CountryCode
		}

		for _, site := range company.Sites {
			if _, err := admin.UpsertSite(ctx, principal, application.SiteInput{
				Code:         site.Code,
				Name:         site.Name,
				City:         site.City,
				Lat:          site.Lat,
				Lng:          site.Lng,
				RadiusMeters: site.RadiusMeters,
			}); err != nil {
				return summary, fmt.Errorf("company %s: site %s: %w", company.ID, site.Code, err)
			}
			summary.Sites++
		}

		for _, h := range company.Holidays {
			_, err := admin.AddHoliday(ctx, principal, application.HolidayInput{Date: h.Date, Name: h.Name})
			var vErr *application.ValidationError
			switch {
			case err == nil:
				summary.Holidays++
			case errors.As(err, &vErr):
				// Dates are validated by parseSeed, so this is an existing calendar entry.
				log.Info("holiday already on the calendar", "date", h.Date)
				summary.HolidaysSkipped++
			default:
				return summary, fmt.Errorf("company %s: holiday %s: %w", company.ID, h.Date, err)
			}
		}

		for _, year := range company.SyncHolidays {
			if countryCode == "" {
				return summary, fmt.Errorf("company %s: sync_holidays requires a policy with a country code", company.ID)
			}
			result, err := admin.SyncHolidays(ctx, principal, countryCode, year)
			if err != nil {
				return summary, fmt.Errorf("company %s: sync %d: %w", company.ID, year, err)
			}
			summary.HolidaysSynced += result.Added
		}

		summary.Companies++
		log.Info("company seeded")
	}

	return summary, nil
}

func (p *seedPolicy) input() (application.PolicyInput, error) {
	input := application.PolicyInput{
		CountryCode: p.CountryCode,
		Timezone:    p.Timezone,
		WorkDays:    append([]int(nil), p.WorkDays...),
		WorkStart:   p.WorkStart,
		WorkEnd:     p.WorkEnd,
		BreakStart:  p.BreakStart,
		BreakEnd:    p.BreakEnd,
	}
	if p.SessionDuration != "" {
		d, err := time.ParseDuration(p.SessionDuration)
		if err != nil {
			return application.PolicyInput{}, fmt.Errorf("invalid session_duration %q", p.SessionDuration)
		}
		input.SessionDuration = d
	}
	return input, nil
}

func printSeedSummary(w io.Writer, summary seedSummary) {
	fmt.Fprintf(w, "companies: %d\nsites: %d\nholidays added: %d\nholidays skipped: %d\nholidays synced: %d\n",
		summary.Companies, summary.Sites, summary.Holidays, summary.HolidaysSkipped, summary.HolidaysSynced)
}
