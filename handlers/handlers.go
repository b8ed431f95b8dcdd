package handlers

import (
	"context"
	"log/slog"

	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
)

const (
	RunnerKey = "runner"
	LoggerKey = "logger"
)

// ErrDeletingRunner rejects listings from an executor that deletes after processing.
var ErrDeletingRunner = errors.Wrap(executor.ErrConfiguration, "message listing requires delete_after_processing to be off")

// Runner is the part of the executor the HTTP surface drives.
type Runner interface {
	Config() executor.Config
	HasRemaining(ctx context.Context) (bool, error)
	Retrieve(ctx context.Context) ([]*executor.DetachedMessage, error)
}

type RemainingResponse struct {
	Folder    string `json:"folder"`
	Remaining bool   `json:"remaining"`
}

type MessagesResponse struct {
	Folder   string                    `json:"folder"`
	Count    int                       `json:"count"`
	Messages []executor.MessageSummary `json:"messages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Home renders the home view
func Home(c *fiber.Ctx) error {
	runner, err := runnerFrom(c)
	if err != nil {
		return err
	}

	cfg := runner.Config()
	return c.Render("index", fiber.Map{
		"Title":  "Tabellarium",
		"Config": cfg,
	})
}

// NotFound renders the 404 view
func NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).Render("404", nil)
}

func Remaining(c *fiber.Ctx) error {
	runner, err := runnerFrom(c)
	if err != nil {
		return err
	}

	remaining, err := runner.HasRemaining(c.UserContext())
	if err != nil {
		return failed(c, err)
	}

	return c.JSON(RemainingResponse{
		Folder:    runner.Config().Folder,
		Remaining: remaining,
	})
}

func Messages(c *fiber.Ctx) error {
	runner, err := runnerFrom(c)
	if err != nil {
		return err
	}

	// Retrieve would mark every listed message deleted.
	if runner.Config().DeleteAfterProcessing {
		return failed(c, ErrDeletingRunner)
	}

	msgs, err := runner.Retrieve(c.UserContext())
	if err != nil {
		return failed(c, err)
	}

	summaries := make([]executor.MessageSummary, 0, len(msgs))
	for _, msg := range msgs {
		summaries = append(summaries, msg.Summary())
	}

	return c.JSON(MessagesResponse{
		Folder:   runner.Config().Folder,
		Count:    len(summaries),
		Messages: summaries,
	})
}

func runnerFrom(c *fiber.Ctx) (Runner, error) {
	runner, ok := c.Locals(RunnerKey).(Runner)
	if !ok {
		return nil, fiber.NewError(fiber.StatusInternalServerError, "Could not retrieve executor")
	}
	return runner, nil
}

func failed(c *fiber.Ctx, err error) error {
	if logger, ok := c.Locals(LoggerKey).(*slog.Logger); ok {
		logger.ErrorContext(c.UserContext(), "Request failed", slog.String("path", c.Path()), slog.Any("error", utils.WrapError(err)))
	}
	return c.Status(StatusFor(err)).JSON(ErrorResponse{Error: err.Error()})
}

// StatusFor maps executor error kinds onto HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrBusy):
		return fiber.StatusConflict
	case errors.Is(err, executor.ErrConfiguration):
		return fiber.StatusBadRequest
	case errors.Is(err, executor.ErrConnection):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
