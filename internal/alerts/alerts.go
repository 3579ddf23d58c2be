// Package alerts delivers operational notifications. Alerting is strictly
// fire-and-forget: a slow or dead channel must never stall the trading path.
package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"swing-trading-bot/internal/interfaces"
	"swing-trading-bot/internal/logger"
)

// Noop discards everything. Used in tests and when no channel is configured.
type Noop struct{}

func (Noop) Alert(interfaces.AlertLevel, string) {}

// Log writes alerts to the structured log only.
type Log struct{}

func (Log) Alert(level interfaces.AlertLevel, message string) {
	ctx := context.Background()
	switch level {
	case interfaces.AlertError, interfaces.AlertCritical:
		logger.Error(ctx, "Alert", "level", string(level), "message", message)
	case interfaces.AlertWarning:
		logger.Warn(ctx, "Alert", "level", string(level), "message", message)
	default:
		logger.Info(ctx, "Alert", "level", string(level), "message", message)
	}
}

type queued struct {
	level   interfaces.AlertLevel
	message string
}

// Telegram pushes alerts to a chat through a bounded queue. When the queue is
// full new alerts are dropped; the structured log still has everything.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	queue  chan queued
	done   chan struct{}
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan queued, 64),
		done:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *Telegram) Alert(level interfaces.AlertLevel, message string) {
	select {
	case t.queue <- queued{level: level, message: message}:
	default:
		logger.Warn(context.Background(), "Alert queue full, dropping", "message", message)
	}
}

// Stop drains nothing further; queued alerts in flight may still be sent.
func (t *Telegram) Stop() {
	close(t.queue)
	<-t.done
}

func (t *Telegram) run() {
	defer close(t.done)
	for q := range t.queue {
		msg := tgbotapi.NewMessage(t.chatID, prefix(q.level)+" "+q.message)
		if _, err := t.bot.Send(msg); err != nil {
			logger.Warn(context.Background(), "Telegram send failed", "error", err)
		}
	}
}

func prefix(level interfaces.AlertLevel) string {
	switch level {
	case interfaces.AlertCritical:
		return "🚨 CRITICAL:"
	case interfaces.AlertError:
		return "❌ ERROR:"
	case interfaces.AlertWarning:
		return "⚠️ WARNING:"
	default:
		return "ℹ️ INFO:"
	}
}
