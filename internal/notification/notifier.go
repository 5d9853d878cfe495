// Package notification delivers fired alerts to external channels
// (Telegram, webhooks, the log).
package notification

import (
	"context"
	"fmt"
	"log"
	"strings"

	"trading-alerts/internal/model"
)

// Level is the severity shown by a notifier.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Message is one rendered notification.
type Message struct {
	Level  Level
	Title  string
	Body   string
	Alert  *model.Alert
	Intent *model.OrderIntent
}

// FromFire renders a fired alert. Fires that created an order intent are
// raised to warning.
func FromFire(f model.Fire) Message {
	a := f.Alert
	m := Message{
		Level: LevelInfo,
		Title: fmt.Sprintf("%s fired on %s", a.RuleID, a.Key()),
		Alert: a,
	}
	var b strings.Builder
	b.WriteString(a.Reason)
	if a.BarTime != nil {
		fmt.Fprintf(&b, "\nbar %s", a.BarTime.Format("2006-01-02 15:04"))
	}
	if f.Intent != nil {
		m.Level = LevelWarning
		m.Intent = f.Intent
		fmt.Fprintf(&b, "\norder %s %d %s (%s %s)", f.Intent.Side, f.Intent.Qty, f.Intent.Symbol, f.Intent.OrderType, f.Intent.Product)
	}
	m.Body = b.String()
	return m
}

// Notifier is implemented by every notification backend.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// LogNotifier logs messages; useful in development.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	log.Printf("[notify] [%s] %s: %s", msg.Level, msg.Title, strings.ReplaceAll(msg.Body, "\n", " | "))
	return nil
}
