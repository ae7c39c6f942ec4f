package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"analytics-kiosk/backend/internal/domain/analytics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePostgREST struct {
	rpcStatus int
	rpcBody   string
	tables    map[string]string
	queries   map[string]string
	rpcBodies []string
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != "anon" || r.Header.Get("Authorization") != "Bearer anon" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	path := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	if path == "rpc/sql" {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.rpcBodies = append(f.rpcBodies, body["query"])
		if f.rpcStatus != 0 {
			w.WriteHeader(f.rpcStatus)
			_, _ = w.Write([]byte(`{"code":"PGRST202","message":"Could not find the function public.sql"}`))
			return
		}
		_, _ = w.Write([]byte(f.rpcBody))
		return
	}
	payload, ok := f.tables[path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"relation does not exist"}`))
		return
	}
	if f.queries == nil {
		f.queries = map[string]string{}
	}
	f.queries[path] = r.URL.RawQuery
	_, _ = w.Write([]byte(payload))
}

func newTestSource(t *testing.T, backend *fakePostgREST) *RosterSource {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return NewRosterSource(NewClient(srv.URL, "anon", WithHTTPClient(srv.Client())), nil, nil)
}

func TestActiveCharactersFromREST(t *testing.T) {
	backend := &fakePostgREST{tables: map[string]string{
		tableCharacters: `[{"id":"a","name":"Aria","profile_img":"a.png"},{"id":"b","name":"Bram","profile_img":""}]`,
	}}
	source := newTestSource(t, backend)

	characters, err := source.ActiveCharacters(context.Background())
	require.NoError(t, err)
	require.Len(t, characters, 2)
	assert.Equal(t, "Aria", characters[0].Name)
	assert.Contains(t, backend.queries[tableCharacters], "on=eq.true")
}

func TestLatestPerformanceUsesRPCWhenAvailable(t *testing.T) {
	backend := &fakePostgREST{
		rpcBody: `[{"character":"a","mean_payment_ratio":0.2,"review_count":3,"created_at":"2025-03-01T00:00:00Z"}]`,
	}
	source := newTestSource(t, backend)

	records, err := source.LatestPerformance(context.Background(), []string{"a", "o'neil"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 0.2, records[0].MeanPaymentRatio, 1e-9)
	require.Len(t, backend.rpcBodies, 1)
	assert.Contains(t, backend.rpcBodies[0], "IN ('a','o''neil')")
	assert.Contains(t, backend.rpcBodies[0], "DISTINCT ON")
}

func TestLatestPerformanceFallsBackToTableQuery(t *testing.T) {
	backend := &fakePostgREST{
		rpcStatus: http.StatusNotFound,
		tables: map[string]string{
			tablePerformance: `[
				{"character":"a","mean_payment_ratio":0.3,"created_at":"2025-03-02T00:00:00Z"},
				{"character":"a","mean_payment_ratio":0.1,"created_at":"2025-03-01T00:00:00Z"}
			]`,
		},
	}
	source := newTestSource(t, backend)

	records, err := source.LatestPerformance(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, backend.queries[tablePerformance], "order=created_at.desc")
}

func TestRecentReviewsFallbackFillsMissingJoin(t *testing.T) {
	backend := &fakePostgREST{
		rpcStatus: http.StatusNotFound,
		tables: map[string]string{
			tableReviews: `[
				{"id":2,"character":"a","user":"u1","story_star":5,"art_star":4,"review":"great","created_at":"2025-03-02T00:00:00Z","arimate_characters":{"name":"Aria","profile_img":"a.png"}},
				{"id":1,"character":"z","user":"u2","story_star":3,"art_star":3,"review":"ok","created_at":"2025-03-01T00:00:00Z","arimate_characters":null}
			]`,
		},
	}
	source := newTestSource(t, backend)

	reviews, err := source.RecentReviews(context.Background(), 8)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, "Aria", reviews[0].CharacterName)
	assert.Equal(t, "a.png", reviews[0].ProfileImage)
	assert.Equal(t, "Unknown", reviews[1].CharacterName)
	assert.Equal(t, "", reviews[1].ProfileImage)
	assert.Contains(t, backend.queries[tableReviews], "limit=8")
	assert.Contains(t, backend.queries[tableReviews], "review=not.is.null")
}

func TestAllStrategiesFailReturnsUpstreamError(t *testing.T) {
	backend := &fakePostgREST{rpcStatus: http.StatusInternalServerError}
	source := newTestSource(t, backend)

	_, err := source.RecentReviews(context.Background(), 8)
	require.Error(t, err)
	assert.True(t, analytics.IsUpstream(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "rpc:")
	assert.Contains(t, err.Error(), "rest:")
}

func TestUnconfiguredSource(t *testing.T) {
	source := NewRosterSource(NewClient("", ""), nil, nil)
	assert.False(t, source.Configured())

	_, err := source.ActiveCharacters(context.Background())
	assert.ErrorIs(t, err, analytics.ErrConfiguration)
	_, err = source.RecentReviews(context.Background(), 8)
	assert.ErrorIs(t, err, analytics.ErrConfiguration)
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(http.StatusBadRequest, []byte(`{"code":"42703","message":"column does not exist"}`))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "42703", apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	err = parseAPIError(http.StatusBadGateway, []byte("upstream timeout"))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream timeout", apiErr.Message)
}
