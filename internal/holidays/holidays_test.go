package holidays

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientPublicHolidays(t *testing.T) {
	t.Parallel()

	t.Run("decodes and deduplicates holidays", func(t *testing.T) {
		t.Parallel()

		var gotPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"date":"2025-01-01","localName":"Jour de l'an","name":"New Year's Day","countryCode":"BJ"},
				{"date":"2025-08-01","localName":"Fête de l'Indépendance","name":"Independence Day","countryCode":"BJ"},
				{"date":"2025-08-01","localName":"Fête régionale","name":"","countryCode":"BJ"}
			]`))
		}))
		defer server.Close()

		client := NewClient(server.URL, server.Client())
		holidays, err := client.PublicHolidays(context.Background(), "bj", 2025)
		if err != nil {
			t.Fatalf("PublicHolidays failed: %v", err)
		}
		if gotPath != "/PublicHolidays/2025/BJ" {
			t.Fatalf("unexpected request path %q", gotPath)
		}
		if len(holidays) != 2 {
			t.Fatalf("expected 2 holidays, got %d", len(holidays))
		}
		if holidays[1].Date != "2025-08-01" || holidays[1].Name != "Independence Day" {
			t.Fatalf("unexpected holiday: %#v", holidays[1])
		}
	})

	t.Run("maps not found to unknown country", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer server.Close()

		_, err := NewClient(server.URL, server.Client()).PublicHolidays(context.Background(), "ZZ", 2025)
		if !errors.Is(err, ErrUnknownCountry) {
			t.Fatalf("expected ErrUnknownCountry, got %v", err)
		}
	})

	t.Run("maps server errors to unavailable", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewClient(server.URL, server.Client()).PublicHolidays(context.Background(), "FR", 2025)
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("rejects malformed country codes before calling out", func(t *testing.T) {
		t.Parallel()

		called := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer server.Close()

		_, err := NewClient(server.URL, server.Client()).PublicHolidays(context.Background(), "FRA", 2025)
		if !errors.Is(err, ErrUnknownCountry) {
			t.Fatalf("expected ErrUnknownCountry, got %v", err)
		}
		if called {
			t.Fatalf("expected no request for an invalid code")
		}
	})
}
