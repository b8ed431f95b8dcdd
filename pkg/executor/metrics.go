package executor

import (
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	processed     metric.Int64Counter
	failed        metric.Int64Counter
	closeFailures metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	processed, err := meter.Int64Counter("tabellarium.messages.processed",
		metric.WithDescription("Messages successfully retrieved or handled"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("tabellarium.messages.failed",
		metric.WithDescription("Messages whose processing failed and was rolled back"))
	if err != nil {
		return nil, err
	}
	closeFailures, err := meter.Int64Counter("tabellarium.close.failures",
		metric.WithDescription("Errors closing the folder or logging out"))
	if err != nil {
		return nil, err
	}
	return &instruments{processed: processed, failed: failed, closeFailures: closeFailures}, nil
}
