// Package executor runs bounded batch operations against one folder of an
// IMAP mailbox: retrieve copies of messages, check for remaining work, or
// hand each message to a Handler with rollback on failure.
package executor

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"aaronromeo.com/tabellarium/pkg/base"
	"aaronromeo.com/tabellarium/pkg/flags"
	"aaronromeo.com/tabellarium/pkg/utils"
	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	opRetrieve  = "retrieve"
	opRemaining = "remaining"
	opForEach   = "for-each"
)

type Executor struct {
	mu       sync.Mutex
	cfg      Config
	inFlight atomic.Bool

	dial        DialFunc
	logger      *slog.Logger
	tracer      trace.Tracer
	meter       metric.MeterProvider
	instruments *instruments
}

type Option func(*Executor) error

func NewExecutor(opts ...Option) (*Executor, error) {
	e := &Executor{
		cfg:  Config{Secure: true},
		dial: defaultDial,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.cfg.Host == "" {
		return nil, newTaskError(ErrConfiguration, "configure", errors.New("requires host"))
	}
	if e.cfg.Username == "" {
		return nil, newTaskError(ErrConfiguration, "configure", errors.New("requires username"))
	}
	if e.cfg.Password == "" {
		return nil, newTaskError(ErrConfiguration, "configure", errors.New("requires password"))
	}
	if e.cfg.Folder == "" {
		return nil, newTaskError(ErrConfiguration, "configure", errors.New("requires folder"))
	}
	if e.logger == nil {
		return nil, newTaskError(ErrConfiguration, "configure", errors.New("requires slogger"))
	}

	if e.tracer == nil {
		e.tracer = otel.Tracer(base.SERVICE_NAME)
	}
	if e.meter == nil {
		e.meter = otel.GetMeterProvider()
	}
	inst, err := newInstruments(e.meter.Meter(base.SERVICE_NAME))
	if err != nil {
		return nil, err
	}
	e.instruments = inst

	return e, nil
}

func WithHost(host string) Option {
	return func(e *Executor) error {
		e.cfg.Host = host
		return nil
	}
}

func WithPort(port int) Option {
	return func(e *Executor) error {
		if err := validatePort(port); err != nil {
			return err
		}
		e.cfg.Port = port
		return nil
	}
}

func WithAuth(username string, password string) Option {
	return func(e *Executor) error {
		e.cfg.Username = username
		e.cfg.Password = password
		return nil
	}
}

func WithFolder(folder string) Option {
	return func(e *Executor) error {
		e.cfg.Folder = folder
		return nil
	}
}

// WithSecureTransport selects implicit TLS (the default) or plaintext.
func WithSecureTransport(secure bool) Option {
	return func(e *Executor) error {
		e.cfg.Secure = secure
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(e *Executor) error {
		e.cfg.TLSConfig = tlsConfig
		return nil
	}
}

func WithBatchSize(n int) Option {
	return func(e *Executor) error {
		if err := validateBatchSize(n); err != nil {
			return err
		}
		e.cfg.BatchSize = n
		return nil
	}
}

// WithConnectionTimeout takes milliseconds, InfiniteTimeout for none.
func WithConnectionTimeout(ms int) Option {
	return func(e *Executor) error {
		if err := validateConnectionTimeout(ms); err != nil {
			return err
		}
		e.cfg.ConnectionTimeout = ms
		return nil
	}
}

func WithRetrieveSeen(retrieveSeen bool) Option {
	return func(e *Executor) error {
		e.cfg.RetrieveSeen = retrieveSeen
		return nil
	}
}

func WithDeleteAfterProcessing(deleteAfter bool) Option {
	return func(e *Executor) error {
		e.cfg.DeleteAfterProcessing = deleteAfter
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) error {
		e.logger = logger
		return nil
	}
}

func WithDialFunc(dial DialFunc) Option {
	return func(e *Executor) error {
		e.dial = dial
		return nil
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) error {
		e.tracer = tp.Tracer(base.SERVICE_NAME)
		return nil
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Executor) error {
		e.meter = mp
		return nil
	}
}

// Config returns a copy of the current settings.
func (e *Executor) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Executor) update(fn func(cfg *Config)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight.Load() {
		return newTaskError(ErrBusy, "configure", nil)
	}
	fn(&e.cfg)
	return nil
}

func (e *Executor) SetBatchSize(n int) error {
	if err := validateBatchSize(n); err != nil {
		return err
	}
	return e.update(func(cfg *Config) { cfg.BatchSize = n })
}

func (e *Executor) SetConnectionTimeout(ms int) error {
	if err := validateConnectionTimeout(ms); err != nil {
		return err
	}
	return e.update(func(cfg *Config) { cfg.ConnectionTimeout = ms })
}

func (e *Executor) SetRetrieveSeen(retrieveSeen bool) error {
	return e.update(func(cfg *Config) { cfg.RetrieveSeen = retrieveSeen })
}

func (e *Executor) SetDeleteAfterProcessing(deleteAfter bool) error {
	return e.update(func(cfg *Config) { cfg.DeleteAfterProcessing = deleteAfter })
}

// begin claims the executor and snapshots the config for one operation.
func (e *Executor) begin(op string) (Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inFlight.CompareAndSwap(false, true) {
		return Config{}, newTaskError(ErrBusy, op, nil)
	}
	return e.cfg, nil
}

func (e *Executor) end() {
	e.inFlight.Store(false)
}

func (e *Executor) startSpan(ctx context.Context, op string, cfg Config) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("imap.folder", cfg.Folder),
		attribute.Int("imap.batch_size", cfg.BatchSize),
		attribute.Bool("imap.retrieve_seen", cfg.RetrieveSeen),
		attribute.Bool("imap.delete_after", cfg.DeleteAfterProcessing),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// candidates searches the folder and caps the result at the batch size.
func (e *Executor) candidates(s *session, filter SelectionFilter, batchSize int) ([]*messageHandle, error) {
	uids, err := s.client.UidSearch(filter.Criteria())
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}

	limit := Count(len(uids), batchSize)
	handles := make([]*messageHandle, 0, limit)
	for _, uid := range uids[:limit] {
		handles = append(handles, &messageHandle{uid: uid, sess: s})
	}
	return handles, nil
}

// Retrieve returns detached copies of up to BatchSize matching messages,
// marking each deleted when DeleteAfterProcessing is set. Any failure aborts
// the whole call and leaves the folder unexpunged.
func (e *Executor) Retrieve(ctx context.Context) (result []*DetachedMessage, err error) {
	cfg, err := e.begin(opRetrieve)
	if err != nil {
		return nil, err
	}
	defer e.end()

	ctx, span := e.startSpan(ctx, opRetrieve, cfg)
	defer func() { endSpan(span, err) }()

	filter := BuildFilter(cfg.RetrieveSeen)
	var retrieved []*DetachedMessage

	err = e.withFolder(ctx, opRetrieve, cfg, func(ctx context.Context, s *session) error {
		handles, err := e.candidates(s, filter, cfg.BatchSize)
		if err != nil {
			return newTaskError(ErrRetrieval, opRetrieve, newTaskError(ErrScan, opRetrieve, err))
		}

		for _, h := range handles {
			if err := ctx.Err(); err != nil {
				return newTaskError(ErrRetrieval, opRetrieve, err)
			}
			if err := h.refresh(); err != nil {
				return newTaskError(ErrRetrieval, opRetrieve, newTaskError(ErrScan, opRetrieve, err))
			}
			if !filter.Admits(h.flags) {
				e.logger.DebugContext(ctx, "Skipping message", slog.Any("uid", h.uid), slog.Any("flags", h.flags))
				continue
			}

			msg, err := h.detach()
			if err != nil {
				return newTaskError(ErrRetrieval, opRetrieve, err)
			}
			retrieved = append(retrieved, msg)

			if cfg.DeleteAfterProcessing {
				if err := h.addFlags(imap.DeletedFlag); err != nil {
					return newTaskError(ErrRetrieval, opRetrieve, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrRetrieval) {
			err = newTaskError(ErrRetrieval, opRetrieve, err)
		}
		e.logger.ErrorContext(ctx, "Retrieve failed", slog.Any("error", utils.WrapError(err)))
		return nil, err
	}

	e.instruments.processed.Add(ctx, int64(len(retrieved)), metric.WithAttributes(attribute.String("op", opRetrieve)))
	span.SetAttributes(attribute.Int("imap.retrieved", len(retrieved)))
	return retrieved, nil
}

// HasRemaining reports whether any message matches the selection. It ignores
// the batch size and never changes flags.
func (e *Executor) HasRemaining(ctx context.Context) (remaining bool, err error) {
	cfg, err := e.begin(opRemaining)
	if err != nil {
		return false, err
	}
	defer e.end()

	ctx, span := e.startSpan(ctx, opRemaining, cfg)
	defer func() { endSpan(span, err) }()

	filter := BuildFilter(cfg.RetrieveSeen)
	err = e.withFolder(ctx, opRemaining, cfg, func(ctx context.Context, s *session) error {
		uids, err := s.client.UidSearch(filter.Criteria())
		if err != nil {
			return newTaskError(ErrScan, opRemaining, errors.Wrap(err, "search"))
		}
		remaining = len(uids) > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return remaining, nil
}

// ForEach hands a detached copy of each selected message to h. A message
// whose processing fails gets its \Seen and \Deleted changes rolled back and
// is reported in an *AggregateError once all candidates were visited.
// Failures of the scan itself abort immediately.
func (e *Executor) ForEach(ctx context.Context, h Handler) (err error) {
	if h == nil {
		return newTaskError(ErrConfiguration, opForEach, errors.New("requires handler"))
	}

	cfg, err := e.begin(opForEach)
	if err != nil {
		return err
	}
	defer e.end()

	ctx, span := e.startSpan(ctx, opForEach, cfg)
	defer func() { endSpan(span, err) }()

	filter := BuildFilter(cfg.RetrieveSeen)

	return e.withFolder(ctx, opForEach, cfg, func(ctx context.Context, s *session) error {
		handles, err := e.candidates(s, filter, cfg.BatchSize)
		if err != nil {
			return newTaskError(ErrScan, opForEach, err)
		}

		var failures []ProcessingFailure
		processed := 0
		for _, mh := range handles {
			if err := ctx.Err(); err != nil {
				return newTaskError(ErrScan, opForEach, err)
			}
			if err := mh.refresh(); err != nil {
				return newTaskError(ErrScan, opForEach, err)
			}
			if !filter.Admits(mh.flags) {
				e.logger.DebugContext(ctx, "Skipping message", slog.Any("uid", mh.uid), slog.Any("flags", mh.flags))
				continue
			}

			procErr := e.process(ctx, cfg, mh, h)
			if procErr == nil {
				processed++
				continue
			}

			e.logger.WarnContext(ctx, fmt.Sprintf("Failed to process message %d", mh.uid), slog.Any("error", utils.WrapError(procErr)))
			if rbErr := e.rollback(cfg, mh); rbErr != nil {
				e.logger.ErrorContext(ctx, fmt.Sprintf("Failed to roll back message %d", mh.uid), slog.Any("error", utils.WrapError(rbErr)))
				return newTaskError(ErrScan, opForEach, &RollbackError{UID: mh.uid, Cause: procErr, Err: rbErr})
			}
			failures = append(failures, ProcessingFailure{UID: mh.uid, SeqNum: mh.seqNum, Err: procErr})
		}

		e.instruments.processed.Add(ctx, int64(processed), metric.WithAttributes(attribute.String("op", opForEach)))
		span.SetAttributes(attribute.Int("imap.processed", processed), attribute.Int("imap.failed", len(failures)))

		if len(failures) > 0 {
			e.instruments.failed.Add(ctx, int64(len(failures)), metric.WithAttributes(attribute.String("op", opForEach)))
			return &AggregateError{
				Msg:      fmt.Sprintf("%d of %d messages failed", len(failures), len(failures)+processed),
				Failures: failures,
			}
		}
		return nil
	})
}

func (e *Executor) process(ctx context.Context, cfg Config, mh *messageHandle, h Handler) error {
	msg, err := mh.detach()
	if err != nil {
		return errors.Wrap(err, "detach")
	}

	if err := safeHandle(ctx, h, msg); err != nil {
		return err
	}

	if editor, ok := h.(FlagEditor); ok {
		edit, apply, err := safeFlagEdit(editor, msg)
		if err != nil {
			return err
		}
		if apply && !edit.Empty() {
			if err := mh.addFlags(edit.Add...); err != nil {
				return err
			}
			if err := mh.removeFlags(edit.Remove...); err != nil {
				return err
			}
		}
	}

	if cfg.DeleteAfterProcessing {
		if err := mh.addFlags(imap.DeletedFlag); err != nil {
			return err
		}
	}
	return nil
}

// rollback clears \Deleted, and \Seen unless seen messages are selected, from
// a message whose processing failed.
func (e *Executor) rollback(cfg Config, mh *messageHandle) error {
	if err := mh.refresh(); err != nil {
		return err
	}

	var remove []string
	if !cfg.RetrieveSeen && flags.Contains(mh.flags, imap.SeenFlag) {
		remove = append(remove, imap.SeenFlag)
	}
	if flags.Contains(mh.flags, imap.DeletedFlag) {
		remove = append(remove, imap.DeletedFlag)
	}
	return mh.removeFlags(remove...)
}
