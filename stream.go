package supplysim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/0xsequence/runnable"
)

// RecordAppender is the generation surface the stream operator drives.
type RecordAppender interface {
	GenRecords(int, func(int, *RecordGen)) ([]*Record, error)
}

// RecordMutator adjusts pending records before they are sealed.
type RecordMutator interface {
	Mutate(ctx context.Context, op *StreamOperator, gen *RecordGen) error
}

type RecordMutatorFunc struct {
	mutate func(ctx context.Context, op *StreamOperator, gen *RecordGen) error
}

func (f *RecordMutatorFunc) Mutate(ctx context.Context, op *StreamOperator, gen *RecordGen) error {
	return f.mutate(ctx, op, gen)
}

func NewRecordMutator(mutate func(ctx context.Context, op *StreamOperator, gen *RecordGen) error) RecordMutator {
	return &RecordMutatorFunc{mutate: mutate}
}

var (
	defaultStreamOperatorTickerInterval = 100 * time.Millisecond // Default interval for emitting batches
	defaultStreamOperatorRecordsPerTick = 5                      // Default records per batch
)

type StreamOperatorConfig struct {
	Ticks          int           // Number of ticks to run, 0 means infinite
	TickerInterval time.Duration // Interval for the ticker, default is 100ms
	RecordsPerTick int           // Number of records to emit per tick, default is 5
}

// StreamOperator drives a record appender on a ticker, emitting a batch of
// records per tick and passing each pending record through its mutator.
type StreamOperator struct {
	config *StreamOperatorConfig

	appender RecordAppender
	mutator  RecordMutator

	done    chan struct{}
	running atomic.Bool
}

func NewStreamOperator(config *StreamOperatorConfig, mutator RecordMutator, appender RecordAppender) (*StreamOperator, error) {
	if appender == nil {
		return nil, fmt.Errorf("appender cannot be nil")
	}
	if config == nil {
		config = &StreamOperatorConfig{}
	}

	if config.TickerInterval <= 0 {
		config.TickerInterval = defaultStreamOperatorTickerInterval
	}
	if config.RecordsPerTick <= 0 {
		config.RecordsPerTick = defaultStreamOperatorRecordsPerTick
	}

	return &StreamOperator{
		config:   config,
		appender: appender,
		mutator:  mutator,
		done:     make(chan struct{}, 1),
	}, nil
}

func (s *StreamOperator) Run(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("StreamOperator is already running")
	}

	ticker := time.NewTicker(s.config.TickerInterval)
	s.running.Store(true)

	go func() {
		defer ticker.Stop()

		var ticks int

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				records, err := s.appender.GenRecords(s.config.RecordsPerTick, func(i int, gen *RecordGen) {
					if s.mutator == nil {
						return
					}
					if err := s.mutator.Mutate(ctx, s, gen); err != nil {
						slog.Error("StreamOperator: failed to mutate record", "error", err)
					}
				})
				if errors.Is(err, ErrLimitReached) {
					slog.Info("StreamOperator: block limit reached, stopping")
					s.running.Store(false)
					return
				}
				if err != nil {
					slog.Error("StreamOperator: failed to generate records", "error", err)
					continue
				}

				slog.Debug("StreamOperator: emitted records", "count", len(records))

				if ticks >= s.config.Ticks && s.config.Ticks > 0 {
					slog.Info("StreamOperator: reached configured ticks limit, stopping")
					s.running.Store(false)
					return
				}

				ticks++
			}
		}
	}()

	return nil
}

func (s *StreamOperator) IsRunning() bool {
	if s == nil {
		return false
	}
	return s.running.Load()
}

func (s *StreamOperator) Stop(ctx context.Context) error {
	s.running.Store(false)

	s.done <- struct{}{}
	return nil
}

var _ runnable.Runnable = (*StreamOperator)(nil)
