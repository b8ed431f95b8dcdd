// Package server exposes the executor's read-only operations over HTTP. It
// refuses executors configured to delete after processing.
package server

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"

	"aaronromeo.com/tabellarium/handlers"
	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
	"github.com/pkg/errors"
)

const DefaultAddr = ":8080"

//go:embed views/*.html
var views embed.FS

type Server struct {
	app    *fiber.App
	logger *slog.Logger
}

func New(runner handlers.Runner, logger *slog.Logger) (*Server, error) {
	if runner == nil {
		return nil, errors.New("requires runner")
	}
	if logger == nil {
		return nil, errors.New("requires slogger")
	}
	if runner.Config().DeleteAfterProcessing {
		return nil, handlers.ErrDeletingRunner
	}

	root, err := fs.Sub(views, "views")
	if err != nil {
		return nil, errors.Wrap(err, "load views")
	}

	app := fiber.New(fiber.Config{
		Views:                 html.NewFileSystem(http.FS(root), ".html"),
		DisableStartupMessage: true,
	})

	app.Use(otelfiber.Middleware())
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(handlers.RunnerKey, runner)
		c.Locals(handlers.LoggerKey, logger)
		return c.Next()
	})

	app.Get("/", handlers.Home)
	app.Get("/api/remaining", handlers.Remaining)
	app.Get("/api/messages", handlers.Messages)
	app.Use(handlers.NotFound)

	return &Server{app: app, logger: logger}, nil
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.logger.Info("Listening", slog.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
