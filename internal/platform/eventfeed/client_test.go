package eventfeed_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/platform/eventfeed"
)

func TestGetEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/match-7", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"match-7","name":"Final","status":"final","outcome":"YES"}`))
	}))
	defer srv.Close()

	c := eventfeed.NewClient(srv.URL, "secret", 100, 1)
	ev, err := c.GetEvent(context.Background(), "match-7")
	require.NoError(t, err)
	assert.Equal(t, eventfeed.EventFinal, ev.Status)
	assert.Equal(t, "YES", ev.Outcome)
	assert.Contains(t, string(ev.Raw), `"match-7"`)
}

func TestPriceAt(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prices/BTC-USD", r.URL.Path)
		assert.Equal(t, "2026-01-01T00:00:00Z", r.URL.Query().Get("at"))
		_, _ = w.Write([]byte(`{"symbol":"BTC-USD","price":"101234.5","at":"2026-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	q, err := eventfeed.NewClient(srv.URL, "", 100, 1).PriceAt(context.Background(), "BTC-USD", at)
	require.NoError(t, err)
	assert.Equal(t, "101234.5", q.Price.String())
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := eventfeed.NewClient(srv.URL, "", 100, 1).GetEvent(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"e","status":"scheduled"}`))
	}))
	defer srv.Close()

	c := eventfeed.NewClient(srv.URL, "", 100, 1, eventfeed.WithRetryWait(time.Millisecond))
	ev, err := c.GetEvent(context.Background(), "e")
	require.NoError(t, err)
	assert.Equal(t, eventfeed.EventScheduled, ev.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad symbol", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := eventfeed.NewClient(srv.URL, "", 100, 1).PriceAt(context.Background(), "??", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad symbol")
	assert.Equal(t, int32(1), calls.Load())
}
