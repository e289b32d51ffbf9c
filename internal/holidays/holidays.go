// Package holidays fetches official public holiday calendars from a Nager.Date compatible API.
package holidays

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is the public Nager.Date v3 endpoint.
const DefaultBaseURL = "https://date.nager.at/api/v3"

var (
	// ErrUnknownCountry is returned when the provider has no calendar for the country.
	ErrUnknownCountry = errors.New("holidays: unknown country")
	// ErrUnavailable is returned when the provider cannot be reached or answers with a server error.
	ErrUnavailable = errors.New("holidays: provider unavailable")
)

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// Holiday is an official public holiday.
type Holiday struct {
	Date      string
	Name      string
	LocalName string
}

// Provider returns the official holidays of a country for a year.
type Provider interface {
	PublicHolidays(ctx context.Context, countryCode string, year int) ([]Holiday, error)
}

// Client queries a Nager.Date compatible API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for baseURL. A nil httpClient gets a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type publicHoliday struct {
	Date      string `json:"date"`
	LocalName string `json:"localName"`
	Name      string `json:"name"`
}

// NormalizeCountry upper-cases and validates an ISO 3166-1 alpha-2 code.
func NormalizeCountry(countryCode string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	if !countryPattern.MatchString(code) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCountry, countryCode)
	}
	return code, nil
}

// PublicHolidays implements Provider.
func (c *Client) PublicHolidays(ctx context.Context, countryCode string, year int) ([]Holiday, error) {
	code, err := NormalizeCountry(countryCode)
	if err != nil {
		return nil, err
	}
	if year < 1900 || year > 2200 {
		return nil, fmt.Errorf("holidays: year %d out of range", year)
	}

	endpoint := fmt.Sprintf("%s/PublicHolidays/%d/%s", c.baseURL, year, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("holidays: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCountry, code)
	case resp.StatusCode == http.StatusNoContent:
		return []Holiday{}, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("holidays: unexpected status %d", resp.StatusCode)
	}

	var payload []publicHoliday
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("holidays: decode response: %w", err)
	}

	holidays := make([]Holiday, 0, len(payload))
	seen := make(map[string]struct{}, len(payload))
	for _, p := range payload {
		if _, err := time.Parse(time.DateOnly, p.Date); err != nil {
			return nil, fmt.Errorf("holidays: invalid date %q in response", p.Date)
		}
		// Regional entries can repeat a date.
		if _, dup := seen[p.Date]; dup {
			continue
		}
		seen[p.Date] = struct{}{}
		name := p.Name
		if name == "" {
			name = p.LocalName
		}
		holidays = append(holidays, Holiday{Date: p.Date, Name: name, LocalName: p.LocalName})
	}
	return holidays, nil
}
