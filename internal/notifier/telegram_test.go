package notifier

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyhifi-dev/lords/internal/config"
)

type botServer struct {
	mu       sync.Mutex
	messages []string
	paths    []string
	failures atomic.Int32
}

func (b *botServer) handler(w http.ResponseWriter, r *http.Request) {
	if b.failures.Load() > 0 {
		b.failures.Add(-1)
		http.Error(w, "flood", http.StatusTooManyRequests)
		return
	}
	_ = r.ParseForm()
	b.mu.Lock()
	b.messages = append(b.messages, r.PostForm.Get("text"))
	b.paths = append(b.paths, r.URL.Path)
	b.mu.Unlock()
	w.Write([]byte(`{"ok":true}`))
}

func newTestNotifier(t *testing.T, b *botServer) *TelegramNotifier {
	srv := httptest.NewServer(http.HandlerFunc(b.handler))
	t.Cleanup(srv.Close)
	return NewTelegramNotifier(
		config.TelegramConfig{Token: "T0K", ChatID: "42", Retries: 3, Delay: time.Millisecond},
		WithBaseURL(srv.URL),
		WithSendInterval(time.Millisecond),
	)
}

func TestSend(t *testing.T) {
	b := &botServer{}
	n := newTestNotifier(t, b)

	require.NoError(t, n.Send("breakout NSE:NIFTY50-INDEX"))
	assert.Equal(t, []string{"breakout NSE:NIFTY50-INDEX"}, b.messages)
	assert.Equal(t, []string{"/botT0K/sendMessage"}, b.paths)
}

func TestSendWithRetry(t *testing.T) {
	b := &botServer{}
	b.failures.Store(2)
	n := newTestNotifier(t, b)

	require.NoError(t, n.SendWithRetry("exit"))
	assert.Len(t, b.messages, 1)

	b.failures.Store(5)
	assert.Error(t, n.SendWithRetry("lost"))
}

func TestRetryWithNotification(t *testing.T) {
	b := &botServer{}
	n := newTestNotifier(t, b)

	calls := 0
	err := n.RetryWithNotification(func() error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	}, "square off")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Empty(t, b.messages)

	boom := errors.New("broker down")
	err = n.RetryWithNotification(func() error { return boom }, "square off")
	assert.ErrorIs(t, err, boom)
	require.Len(t, b.messages, 1)
	assert.Contains(t, b.messages[0], "square off failed after 3 attempts")
}

func TestSendThrottled(t *testing.T) {
	b := &botServer{}
	n := newTestNotifier(t, b)
	WithSendInterval(50 * time.Millisecond)(n)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, n.Send("tick"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
