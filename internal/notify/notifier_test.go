package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictamm/internal/notify"
)

type recordingSender struct {
	name string
	err  error
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{s}, nil, discard())

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, notify.EventSettlementFinalized, "finalized", "m1"))
	require.NoError(t, n.Notify(ctx, notify.EventSettlementCancelled, "cancelled", "m1"))

	assert.Equal(t, []string{"finalized"}, s.sent)
}

func TestNotifierWildcard(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{s}, []string{"*"}, discard())
	assert.True(t, n.Enabled(notify.EventResolutionFailed))
}

func TestNilNotifierIsSilent(t *testing.T) {
	var n *notify.Notifier
	assert.False(t, n.Enabled(notify.EventInvariantViolation))
	assert.NoError(t, n.Notify(context.Background(), notify.EventInvariantViolation, "x", "y"))
}

func TestNotifierKeepsGoingAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := notify.NewNotifier([]notify.Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), notify.EventInvariantViolation, "violation", "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.sent, 1)
}

func TestTelegramSenderPostsPlainText(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := notify.NewTelegramSender("TOKEN", "42", srv.URL)
	require.NoError(t, s.Send(context.Background(), "Settlement finalized", "market m1_x"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "Settlement finalized\nmarket m1_x", got["text"])
	assert.NotContains(t, got, "parse_mode")
}

func TestDiscordSenderTruncatesAndReportsStatus(t *testing.T) {
	var content string
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		content, _ = body["content"].(string)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s := notify.NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "t", strings.Repeat("x", 5000)))
	assert.Len(t, content, 2000)
	assert.True(t, strings.HasSuffix(content, "..."))

	status = http.StatusBadRequest
	assert.Error(t, s.Send(context.Background(), "t", "m"))
}
