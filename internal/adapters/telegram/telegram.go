// Package telegram is a send-only Telegram adapter.
//
// redeployd has no inbound command surface; the bot account exists purely
// to push cycle notifications and log lines into an ops chat, so this
// adapter never starts a poller.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"redeployd/pkg/logx"
)

type Config struct {
	Token string
	// ChatID is the destination chat (group or user).
	ChatID int64
	// ThreadID targets a forum topic, 0 for the main thread.
	ThreadID int
	// Timeout bounds a single send. Default 10s.
	Timeout time.Duration
}

type Adapter struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// No Poller: this bot only sends.
		Synchronous: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, bot: b, log: log}, nil
}

// Send delivers one message to the configured chat.
// It satisfies both notify.Sender and logx.Sender.
func (a *Adapter) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              a.cfg.ThreadID,
	}

	// telebot sends are not context-aware; run in a goroutine so a stuck
	// send cannot block the caller past the timeout.
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(tele.ChatID(a.cfg.ChatID), text, opts)
		done <- err
	}()

	t := time.NewTimer(a.cfg.Timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errors.New("telegram send timed out")
	}
}
