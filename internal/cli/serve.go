package cli

import (
	"fmt"
	"log/slog"

	"aaronromeo.com/tabellarium/internal/matchers"
	"aaronromeo.com/tabellarium/internal/server"
	"aaronromeo.com/tabellarium/internal/watchrunner"
	"aaronromeo.com/tabellarium/pkg/handlers"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve folder status and listings over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address"},
		},
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			addr := cCtx.String("addr")
			if addr == "" {
				addr = rt.cfg.Server.Addr
			}

			if rt.exec.Config().DeleteAfterProcessing {
				rt.logger.WarnContext(cCtx.Context, "Ignoring delete after processing while serving")
				if err := rt.exec.SetDeleteAfterProcessing(false); err != nil {
					return err
				}
			}

			s, err := server.New(rt.exec, rt.logger)
			if err != nil {
				return err
			}

			go func() {
				<-cCtx.Context.Done()
				if err := s.Shutdown(); err != nil {
					rt.logger.Warn("Server shutdown failed", slog.Any("error", err))
				}
			}()
			return s.Listen(addr)
		}),
	}
}

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Poll the folder, print new messages and mark them seen",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Usage: "Time between polls", Value: watchrunner.DefaultInterval},
			&cli.IntFlag{Name: "max-polls", Usage: "Stop after this many polls (0 runs until interrupted)"},
			&cli.BoolFlag{Name: "headers-only", Usage: "Skip message bodies"},
		},
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			printer := handlers.NewPrinter(cCtx.App.Writer, cCtx.Bool("headers-only"))
			h, err := matchers.Filter(printer, &rt.cfg.Match)
			if err != nil {
				return err
			}

			fmt.Fprintf(cCtx.App.Writer, "watching %s\n", rt.cfg.IMAP.Folder)
			state, err := watchrunner.Run(cCtx.Context, watchrunner.Deps{
				Runner:   rt.exec,
				Handler:  handlers.MarkSeen(h),
				Log:      rt.logger,
				Interval: cCtx.Duration("interval"),
				MaxPolls: cCtx.Int("max-polls"),
			})
			fmt.Fprintf(cCtx.App.Writer, "polls: %d, runs: %d, failed messages: %d\n", state.Polls, state.Runs, state.Failures)
			rt.announce(cCtx, err)
			return err
		}),
	}
}
