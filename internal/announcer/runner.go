// Package announcer posts a short notice about finished runs to a webhook.
package announcer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
)

const (
	webhookAnnouncePath = "/announcements"
	defaultTimeout      = 10 * time.Second
)

type Option func(*ppAnnouncer)

type Service interface {
	Do(ctx context.Context, a Announcement) error
}

type Announcement struct {
	Command string `json:"command"`
	Folder  string `json:"folder"`
	RunID   string `json:"runId"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

func WithWebhookURL(webhookURL string) Option {
	return func(ppa *ppAnnouncer) {
		ppa.baseURL = strings.TrimSpace(webhookURL)
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(ppa *ppAnnouncer) {
		ppa.timeout = timeout
	}
}

type ppAnnouncer struct {
	baseURL string
	timeout time.Duration
}

func New(opts ...Option) Service {
	announcer := &ppAnnouncer{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(announcer)
	}
	return announcer
}

// Do is a no-op without a webhook URL.
func (p *ppAnnouncer) Do(ctx context.Context, a Announcement) error {
	if p.baseURL == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Message = message(a)

	agent := fiber.Post(strings.TrimRight(p.baseURL, "/") + webhookAnnouncePath)
	agent.Timeout(p.timeout)
	agent.JSON(a)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "post announcement")
	}
	if code < 200 || code >= 300 {
		return errors.Errorf("reporting webhook returned status %d: %s", code, strings.TrimSpace(string(body)))
	}
	return nil
}

func message(a Announcement) string {
	if a.Error != "" {
		return fmt.Sprintf("%s: folder %q failed: %s", a.Command, a.Folder, a.Error)
	}
	return fmt.Sprintf("%s: folder %q done", a.Command, a.Folder)
}
