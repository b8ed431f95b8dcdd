// Package cli wires configuration, telemetry and the executor into the
// tabellarium command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"aaronromeo.com/tabellarium/internal/announcer"
	"aaronromeo.com/tabellarium/internal/config"
	"aaronromeo.com/tabellarium/pkg/base"
	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	flagConfig       = "config"
	flagEnvFile      = "env-file"
	flagBatchSize    = "batch-size"
	flagRetrieveSeen = "retrieve-seen"
	flagDelete       = "delete"
	flagTelemetry    = "telemetry"
	flagVerbose      = "verbose"
)

// NewApp builds the command line application.
func NewApp() *cli.App {
	return &cli.App{
		Name:  base.SERVICE_NAME,
		Usage: "Run bounded batch tasks against one IMAP folder",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Usage:   "Path to YAML config file",
				EnvVars: []string{config.ConfigEnvVar},
			},
			&cli.StringFlag{
				Name:  flagEnvFile,
				Usage: "Path to a .env file with secrets",
				Value: config.DefaultEnvFile,
			},
			&cli.IntFlag{
				Name:  flagBatchSize,
				Usage: "Maximum messages per run (0 for all)",
			},
			&cli.BoolFlag{
				Name:  flagRetrieveSeen,
				Usage: "Include messages already marked seen",
			},
			&cli.BoolFlag{
				Name:  flagDelete,
				Usage: "Mark messages deleted after processing and expunge on close",
			},
			&cli.BoolFlag{
				Name:  flagTelemetry,
				Usage: "Export traces, metrics and logs through OpenTelemetry",
			},
			&cli.BoolFlag{
				Name:  flagVerbose,
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			remainingCmd(),
			retrieveCmd(),
			printCmd(),
			exportCmd(),
			flagCmd(),
			archiveCmd(),
			watchCmd(),
			serveCmd(),
		},
	}
}

// Run executes the application with args.
func Run(ctx context.Context, args []string) error {
	return NewApp().RunContext(ctx, args)
}

// runtime is what every command gets once configuration and telemetry are up.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	exec      *executor.Executor
	announcer announcer.Service
	runID     string
	shutdown  func(context.Context) error
}

func setup(cCtx *cli.Context) (*runtime, error) {
	if err := config.LoadEnvFile(cCtx.String(flagEnvFile)); err != nil {
		return nil, err
	}

	cfg, err := config.Load(cCtx.String(flagConfig))
	if err != nil {
		return nil, err
	}
	applyFlags(cCtx, &cfg)

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:       cfg,
		announcer: announcer.New(announcer.WithWebhookURL(cfg.Announce.WebhookURL)),
		runID:     uuid.NewString(),
		shutdown:  func(context.Context) error { return nil },
	}

	if cfg.Telemetry.Enabled {
		opts := utils.OTelOptionsFromEnv()
		opts.LogWriter = cCtx.App.ErrWriter
		shutdown, err := utils.SetupOTelSDK(cCtx.Context, opts)
		if err != nil {
			return nil, err
		}
		rt.shutdown = shutdown
	}

	logger := utils.NewLogger(cfg.Telemetry.Enabled, cCtx.App.ErrWriter)
	if cCtx.Bool(flagVerbose) && !cfg.Telemetry.Enabled {
		logger = slog.New(slog.NewJSONHandler(cCtx.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	rt.logger = logger.With(slog.String("run_id", rt.runID), slog.String("command", cCtx.Command.Name))

	rt.exec, err = executor.NewExecutor(append(
		config.ExecutorOptions(cfg),
		executor.WithLogger(rt.logger),
	)...)
	if err != nil {
		_ = rt.shutdown(cCtx.Context)
		return nil, err
	}

	rt.logger.Debug(config.Summary(cfg))
	return rt, nil
}

func applyFlags(cCtx *cli.Context, cfg *config.Config) {
	if cCtx.IsSet(flagBatchSize) {
		cfg.Batch.Size = cCtx.Int(flagBatchSize)
	}
	if cCtx.IsSet(flagRetrieveSeen) {
		cfg.Batch.RetrieveSeen = cCtx.Bool(flagRetrieveSeen)
	}
	if cCtx.IsSet(flagDelete) {
		cfg.Batch.DeleteAfterProcessing = cCtx.Bool(flagDelete)
	}
	if cCtx.IsSet(flagTelemetry) {
		cfg.Telemetry.Enabled = cCtx.Bool(flagTelemetry)
	}
}

// withRuntime sets up a runtime and a command span around action.
func withRuntime(action func(cCtx *cli.Context, rt *runtime) error) cli.ActionFunc {
	return func(cCtx *cli.Context) (err error) {
		rt, err := setup(cCtx)
		if err != nil {
			return err
		}
		defer func() {
			if shutdownErr := rt.shutdown(context.Background()); shutdownErr != nil {
				rt.logger.Warn("Telemetry shutdown failed", slog.Any("error", shutdownErr))
			}
		}()

		ctx, span := otel.Tracer(base.SERVICE_NAME).Start(cCtx.Context, cCtx.Command.Name, trace.WithAttributes(
			attribute.String("run.id", rt.runID),
			attribute.String("imap.folder", rt.cfg.IMAP.Folder),
		))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
		cCtx.Context = ctx

		err = action(cCtx, rt)
		if err != nil {
			rt.logger.ErrorContext(ctx, fmt.Sprintf("%s failed", cCtx.Command.Name), slog.Any("error", utils.WrapError(err)))
		}
		return err
	}
}

// announce reports the outcome of a run to the webhook, if one is configured.
func (rt *runtime) announce(cCtx *cli.Context, runErr error) {
	a := announcer.Announcement{
		Command: cCtx.Command.Name,
		Folder:  rt.cfg.IMAP.Folder,
		RunID:   rt.runID,
	}
	if runErr != nil {
		a.Error = runErr.Error()
		var agg *executor.AggregateError
		if errors.As(runErr, &agg) {
			a.Failed = len(agg.Failures)
		}
	}
	if err := rt.announcer.Do(cCtx.Context, a); err != nil {
		rt.logger.WarnContext(cCtx.Context, "Reporting failed", slog.Any("error", utils.WrapError(err)))
	}
}

// reportFailures lists per-message failures of an aggregate error.
func reportFailures(cCtx *cli.Context, err error) {
	var agg *executor.AggregateError
	if !errors.As(err, &agg) {
		return
	}
	lines := make([]string, 0, len(agg.Failures))
	for _, failure := range agg.Failures {
		lines = append(lines, "  "+failure.Error())
	}
	fmt.Fprintf(cCtx.App.ErrWriter, "%s\n%s\n", agg.Msg, strings.Join(lines, "\n"))
}
