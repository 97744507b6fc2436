package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/proxyhifi-dev/lords/internal/config"
	"github.com/proxyhifi-dev/lords/internal/utils"
)

const (
	telegramAPI = "https://api.telegram.org"
	// Telegram allows about one message per second to a single chat.
	sendInterval = time.Second
	maxMessage   = 4096
)

type TelegramOption func(*TelegramNotifier)

// WithBaseURL points the notifier at another Bot API host.
func WithBaseURL(u string) TelegramOption {
	return func(t *TelegramNotifier) { t.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) TelegramOption {
	return func(t *TelegramNotifier) { t.client = hc }
}

func WithSendInterval(d time.Duration) TelegramOption {
	return func(t *TelegramNotifier) { t.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

type TelegramNotifier struct {
	Token  string
	ChatID string

	retries int
	delay   time.Duration
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewTelegramNotifier(cfg config.TelegramConfig, opts ...TelegramOption) *TelegramNotifier {
	t := &TelegramNotifier{
		Token:   cfg.Token,
		ChatID:  cfg.ChatID,
		retries: cfg.Retries,
		delay:   cfg.Delay,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(sendInterval), 1),
	}
	if t.retries <= 0 {
		t.retries = 3
	}
	if t.delay <= 0 {
		t.delay = 2 * time.Second
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TelegramNotifier) Send(message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram throttle: %w", err)
	}
	if len(message) > maxMessage {
		message = message[:maxMessage]
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.Token)
	form := url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry sends msg, retrying with a fixed delay.
func (t *TelegramNotifier) SendWithRetry(msg string) error {
	var err error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if err = t.Send(msg); err == nil {
			return nil
		}
		utils.WithComponent("notifier").Warnf("Telegram | Send attempt %d/%d failed: %v", attempt, t.retries, err)
		if attempt < t.retries {
			time.Sleep(t.delay)
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", t.retries, err)
}

// RetryWithNotification runs action until it succeeds or the retries run out, then
// reports the final failure to the chat.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var err error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if err = action(); err == nil {
			return nil
		}
		utils.WithComponent("notifier").Warnf("Telegram | %s attempt %d/%d failed: %v", description, attempt, t.retries, err)
		if attempt < t.retries {
			time.Sleep(t.delay)
		}
	}
	if sendErr := t.Send(fmt.Sprintf("%s failed after %d attempts: %v", description, t.retries, err)); sendErr != nil {
		utils.WithComponent("notifier").Errorf("Telegram | Failed to report %s: %v", description, sendErr)
	}
	return err
}
