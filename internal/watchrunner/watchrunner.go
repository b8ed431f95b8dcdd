// Package watchrunner polls a folder and drains it with a handler whenever
// qualifying messages show up.
package watchrunner

import (
	"context"
	"log/slog"
	"time"

	"aaronromeo.com/tabellarium/pkg/executor"
	"aaronromeo.com/tabellarium/pkg/utils"
	"github.com/pkg/errors"
)

const DefaultInterval = time.Minute

type Runner interface {
	HasRemaining(ctx context.Context) (bool, error)
	ForEach(ctx context.Context, h executor.Handler) error
}

type Deps struct {
	Runner   Runner
	Handler  executor.Handler
	Log      *slog.Logger
	Interval time.Duration
	// MaxPolls stops the loop after that many polls. Zero polls forever.
	MaxPolls int
}

type State struct {
	Polls     int
	Runs      int
	Failures  int
	LastError error
}

// Poll runs the handler over the folder once if anything is waiting. Message
// level failures are recorded in state; everything else is returned.
func Poll(ctx context.Context, deps Deps, state *State) error {
	state.Polls++

	remaining, err := deps.Runner.HasRemaining(ctx)
	if err != nil {
		return err
	}
	deps.Log.DebugContext(ctx, "polled folder", "poll", state.Polls, "remaining", remaining)
	if !remaining {
		return nil
	}

	state.Runs++
	err = deps.Runner.ForEach(ctx, deps.Handler)
	state.LastError = err

	var agg *executor.AggregateError
	if errors.As(err, &agg) {
		state.Failures += len(agg.Failures)
		deps.Log.WarnContext(ctx, agg.Error(), slog.Any("error", utils.WrapError(err)))
		return nil
	}
	return err
}

// Run polls until ctx is done, MaxPolls is reached, or a poll fails for a
// reason other than individual messages. Busy executors are skipped.
func Run(ctx context.Context, deps Deps) (State, error) {
	var state State
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}

	ticker := time.NewTicker(deps.Interval)
	defer ticker.Stop()

	for {
		if err := Poll(ctx, deps, &state); err != nil {
			if IsBenignPollError(err) {
				deps.Log.InfoContext(ctx, "skipped poll", slog.Any("error", err))
			} else {
				return state, err
			}
		}
		if deps.MaxPolls > 0 && state.Polls >= deps.MaxPolls {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, nil
		case <-ticker.C:
		}
	}
}

func IsBenignPollError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, executor.ErrBusy)
}
