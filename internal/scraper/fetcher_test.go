package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, h http.HandlerFunc) *AdzunaFetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	f := NewAdzunaFetcher("id", "key", "fr", 1)
	f.BaseURL = srv.URL
	f.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return f
}

func TestSearch_NormalisesListings(t *testing.T) {
	var gotQuery string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/fr/search/1", r.URL.Path)
		fmt.Fprint(w, `{"count":2,"results":[
			{"id":"42","title":"React Developer","company":{"display_name":"Acme"},
			 "location":{"display_name":"Paris"},"salary_min":40000,"salary_max":55000,
			 "redirect_url":"https://jobs.example/42","contract_time":"full_time"},
			{"id":"","title":"Go Engineer","company":{"display_name":"Beta"},
			 "location":{"display_name":"Lyon"},"redirect_url":"https://jobs.example/b",
			 "contract_type":"permanent"}]}`)
	})

	listings, err := f.Search(context.Background(), "React Developer", "Paris", true, "full_time,unknown")
	require.NoError(t, err)
	require.Len(t, listings, 2)

	assert.Equal(t, "42", listings[0].ExternalID)
	assert.Equal(t, "Acme", listings[0].Company)
	assert.Equal(t, 55000.0, listings[0].SalaryMax)
	assert.Equal(t, "full_time", listings[0].ContractType)
	assert.Equal(t, "https://jobs.example/42", listings[0].ApplyURL)

	assert.True(t, strings.HasPrefix(listings[1].ExternalID, "h-"))
	assert.Equal(t, "permanent", listings[1].ContractType)

	assert.Contains(t, gotQuery, "what=React+Developer+remote")
	assert.Contains(t, gotQuery, "where=Paris")
	assert.Contains(t, gotQuery, "full_time=1")
	assert.NotContains(t, gotQuery, "unknown")
}

func TestSearch_ExternalIDHashIsDeterministic(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	a := externalID("", "Acme", "Dev", at)
	assert.Equal(t, a, externalID("", "Acme", "Dev", at))
	assert.NotEqual(t, a, externalID("", "Acme", "Dev", at.Add(time.Second)))
	assert.Equal(t, "p1", externalID("p1", "Acme", "Dev", at))
}

func TestSearch_ClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrUnauthenticated},
		{http.StatusForbidden, ErrUnauthenticated},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}
	for _, tc := range cases {
		f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := f.Search(context.Background(), "go", "", false, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
}

func TestSearch_OtherStatusPropagatesUnclassified(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad what", http.StatusBadRequest)
	})
	_, err := f.Search(context.Background(), "go", "", false, "")
	require.Error(t, err)
	assert.False(t, Retryable(err))
	assert.False(t, errors.Is(err, ErrUnauthenticated))
	assert.Contains(t, err.Error(), "400")
}

func TestSearch_MissingCredentials(t *testing.T) {
	f := NewAdzunaFetcher("", "", "fr", 1)
	_, err := f.Search(context.Background(), "go", "", false, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSearch_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)
	f.client.Timeout = 50 * time.Millisecond

	_, err := f.Search(context.Background(), "go", "", false, "")
	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, Retryable(err))
}

func TestSearch_PagesUntilShortPage(t *testing.T) {
	calls := 0
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var b strings.Builder
		b.WriteString(`{"results":[`)
		n := adzunaPageSize
		if calls == 2 {
			n = 3
		}
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"id":"%d-%d","title":"t"}`, calls, i)
		}
		b.WriteString(`]}`)
		fmt.Fprint(w, b.String())
	})
	f.MaxPages = 5

	listings, err := f.Search(context.Background(), "go", "", false, "")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, listings, adzunaPageSize+3)
}
