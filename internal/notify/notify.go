// Package notify delivers short messages to account holders.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-telegram/bot"
)

type Kind string

const (
	RewardMinted     Kind = "reward_minted"
	RequestApproved  Kind = "request_approved"
	RequestRejected  Kind = "request_rejected"
	RequestSubmitted Kind = "request_submitted"
)

type Message struct {
	AccountID  uint
	ExternalID string
	Kind       Kind
	Text       string
}

// Notifier delivers a message. Callers log failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Log writes messages to a logger instead of delivering them.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Notify(ctx context.Context, msg Message) error {
	l.logger.InfoContext(ctx, "notification",
		"account_id", msg.AccountID,
		"external_id", msg.ExternalID,
		"kind", msg.Kind,
		"text", msg.Text,
	)
	return nil
}

// Telegram sends messages through the Bot API. The account's external id is
// the chat id.
type Telegram struct {
	bot *bot.Bot
}

// NewTelegram creates a send-only bot client. It does not call getMe, so a
// bad token surfaces on the first send.
func NewTelegram(token string, opts ...bot.Option) (*Telegram, error) {
	b, err := bot.New(token, append([]bot.Option{bot.WithSkipGetMe()}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	if msg.ExternalID == "" {
		return fmt.Errorf("telegram: account %d has no chat id", msg.AccountID)
	}
	var chat any = msg.ExternalID
	if id, err := strconv.ParseInt(msg.ExternalID, 10, 64); err == nil {
		chat = id
	}
	if _, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chat, Text: msg.Text}); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}
