// Package notifier
package notifier

import "github.com/proxyhifi-dev/lords/internal/utils"

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	RetryWithNotification(action func() error, description string) error
}

// Log writes notifications to the process log. It is used when no Telegram bot is
// configured.
type Log struct{}

func (Log) Send(msg string) error {
	utils.WithComponent("notifier").Info("Notifier | " + msg)
	return nil
}

func (l Log) SendWithRetry(msg string) error {
	return l.Send(msg)
}

func (l Log) RetryWithNotification(action func() error, description string) error {
	if err := action(); err != nil {
		utils.WithComponent("notifier").Errorf("Notifier | %s failed: %v", description, err)
		return err
	}
	return nil
}
