package cli

import (
	"encoding/json"
	"fmt"

	"aaronromeo.com/tabellarium/internal/config"
	"aaronromeo.com/tabellarium/internal/matchers"
	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/handlers"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func remainingCmd() *cli.Command {
	return &cli.Command{
		Name:  "remaining",
		Usage: "Report whether the folder has messages left to process",
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			remaining, err := rt.exec.HasRemaining(cCtx.Context)
			rt.announce(cCtx, err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cCtx.App.Writer, "%s remaining: %t\n", rt.cfg.IMAP.Folder, remaining)
			return nil
		}),
	}
}

func retrieveCmd() *cli.Command {
	return &cli.Command{
		Name:  "retrieve",
		Usage: "Retrieve one batch of messages and list them",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the listing as JSON"},
		},
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			msgs, err := rt.exec.Retrieve(cCtx.Context)
			rt.announce(cCtx, err)
			if err != nil {
				return err
			}

			summaries := make([]executor.MessageSummary, 0, len(msgs))
			for _, msg := range msgs {
				summaries = append(summaries, msg.Summary())
			}

			if cCtx.Bool("json") {
				encoded, err := json.MarshalIndent(summaries, "", "  ")
				if err != nil {
					return errors.Wrap(err, "encode messages")
				}
				fmt.Fprintln(cCtx.App.Writer, string(encoded))
				return nil
			}

			for _, s := range summaries {
				fmt.Fprintf(cCtx.App.Writer, "%d\t%s\t%s\t%s\n", s.UID, s.Date.Format("2006-01-02 15:04"), s.From, s.Subject)
			}
			fmt.Fprintf(cCtx.App.Writer, "%d messages\n", len(summaries))
			return nil
		}),
	}
}

func printCmd() *cli.Command {
	return &cli.Command{
		Name:  "print",
		Usage: "Print every selected message",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "headers-only", Usage: "Skip message bodies"},
		},
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			printer := handlers.NewPrinter(cCtx.App.Writer, cCtx.Bool("headers-only"))
			return forEach(cCtx, rt, printer)
		}),
	}
}

func exportCmd() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Print every selected message into a file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "Output file", Required: true},
			&cli.BoolFlag{Name: "headers-only", Usage: "Skip message bodies"},
		},
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			fileHandler, err := handlers.NewFileHandler(
				handlers.WithFileName(cCtx.String("file")),
				handlers.WithHeadersOnly(cCtx.Bool("headers-only")),
			)
			if err != nil {
				return err
			}

			err = forEach(cCtx, rt, fileHandler)
			if finishErr := fileHandler.Finish(); finishErr != nil && err == nil {
				err = errors.Wrapf(finishErr, "close %s", fileHandler.FileName())
			}
			return err
		}),
	}
}

func flagCmd() *cli.Command {
	return &cli.Command{
		Name:  "flag",
		Usage: "Set or clear a flag on every selected message",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Flag name (answered, deleted, draft, flagged, recent, seen, user or a keyword)", Required: true},
			&cli.BoolFlag{Name: "clear", Usage: "Clear the flag instead of setting it"},
			&cli.StringSliceFlag{Name: "require", Usage: "Only touch messages carrying all of these flags"},
		},
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			h := handlers.NewChangeFlag(cCtx.String("name"), !cCtx.Bool("clear"), cCtx.StringSlice("require")...)
			return forEach(cCtx, rt, h)
		}),
	}
}

func archiveCmd() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Upload every selected message to S3",
		Action: withRuntime(func(cCtx *cli.Context, rt *runtime) error {
			if err := config.ValidateArchive(rt.cfg); err != nil {
				return err
			}

			client, err := handlers.NewS3Client(rt.cfg.Archive.S3Config())
			if err != nil {
				return err
			}
			archive, err := handlers.NewArchive(
				handlers.WithS3Client(client),
				handlers.WithBucket(rt.cfg.Archive.Bucket),
				handlers.WithPrefix(rt.cfg.Archive.Prefix),
				handlers.WithArchiveLogger(rt.logger),
			)
			if err != nil {
				return err
			}
			return forEach(cCtx, rt, archive)
		}),
	}
}

// forEach runs h over the folder, restricted by the configured matchers, and
// announces the outcome.
func forEach(cCtx *cli.Context, rt *runtime, h executor.Handler) error {
	filtered, err := matchers.Filter(h, &rt.cfg.Match)
	if err != nil {
		return err
	}

	err = rt.exec.ForEach(cCtx.Context, filtered)
	reportFailures(cCtx, err)
	rt.announce(cCtx, err)
	return err
}
