package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidebot/internal/domain"
)

type recordingSender struct {
	name   string
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func TestNotifierFiltersEvents(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{"alerts.reconcile.orphan"}, slog.New(slog.DiscardHandler))

	require.NoError(t, n.Notify(context.Background(), "alerts.rate_limit.saturated", "t1", "m"))
	require.NoError(t, n.Notify(context.Background(), "alerts.reconcile.orphan", "t2", "m"))

	assert.Equal(t, []string{"t2"}, sender.titles)
}

func TestNotifierEmptyFilterAllowsAll(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, slog.New(slog.DiscardHandler))

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, sender.titles, 1)
}

func TestNotifierOneFailingSenderDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	bad := &recordingSender{name: "bad", err: assert.AnError}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), "x", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1, "second sender still delivers")
}

func TestNotifyAlertFormatting(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, slog.New(slog.DiscardHandler))

	require.NoError(t, n.NotifyAlert(context.Background(), domain.AlertReconcileOrphan, domain.Alert{
		Severity: "critical",
		Message:  "orphan position 1.5 ETH/USDT on binance",
		At:       time.Now(),
	}))

	require.Len(t, sender.titles, 1)
	assert.Equal(t, "[CRITICAL] "+domain.AlertReconcileOrphan, sender.titles[0])
}

func TestDiscordSenderPostsWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "halt", "trading halted"))
	assert.Equal(t, "**halt**\ntrading halted", got["content"])
}

func TestTelegramSenderReportsAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTelegramSender("token", "chat")
	s.http.SetBaseURL(srv.URL)

	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
