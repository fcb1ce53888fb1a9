// Package kafkasink publishes refresh progress to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/segmentio/kafka-go"

	"pricerefresh/internal/refresh"
)

const (
	defaultBuffer     = 256
	defaultMaxRetries = 5
)

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a kafka writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Event is the message written for every snapshot.
type Event struct {
	RunID              string         `json:"run_id"`
	PortfolioID        string         `json:"portfolio_id"`
	StartedAt          time.Time      `json:"started_at"`
	Timestamp          time.Time      `json:"timestamp"`
	TaskCount          int            `json:"task_count"`
	CompletedTaskCount int            `json:"completed_task_count"`
	Final              bool           `json:"final"`
	States             map[string]int `json:"states"`
	Errors             []Failure      `json:"errors,omitempty"`
}

// Failure names an instrument cell that ended in ERROR.
type Failure struct {
	InstrumentID string `json:"instrument_id"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
}

// NewEvent summarizes a snapshot.
func NewEvent(run refresh.Run, s refresh.Snapshot) Event {
	ev := Event{
		RunID:              run.ID.String(),
		PortfolioID:        run.PortfolioID,
		StartedAt:          run.StartedAt.UTC(),
		Timestamp:          s.Timestamp.UTC(),
		TaskCount:          s.TaskCount,
		CompletedTaskCount: s.CompletedTaskCount,
		Final:              s.Final,
		States:             make(map[string]int),
	}
	for _, e := range s.Entries {
		for _, c := range []struct {
			kind string
			v    refresh.CellValue
		}{{"historical", e.Historical}, {"latest", e.Latest}} {
			ev.States[c.v.State.String()]++
			if c.v.State == refresh.StateError {
				ev.Errors = append(ev.Errors, Failure{InstrumentID: e.InstrumentID, Kind: c.kind, Message: c.v.Message})
			}
		}
	}
	return ev
}

type Option func(*Sink)

func WithLogger(l *slog.Logger) Option { return func(s *Sink) { s.logger = l } }

// WithBuffer sets how many events may wait for the writer before new ones are dropped.
func WithBuffer(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.buffer = n
		}
	}
}

func WithMaxRetries(n uint64) Option { return func(s *Sink) { s.maxRetries = n } }

// WithBackOff replaces the exponential retry policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Sink) { s.newBackOff = newBackOff }
}

// Sink is a progress listener that writes events to Kafka from its own
// goroutine. OnProgress never blocks; events are dropped when the buffer is full.
type Sink struct {
	w          Writer
	queue      chan kafka.Message
	buffer     int
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger

	dropped atomic.Int64
	failed  atomic.Int64
}

func New(w Writer, opts ...Option) *Sink {
	s := &Sink{
		w:          w,
		buffer:     defaultBuffer,
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return b
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kafkasink")
	s.queue = make(chan kafka.Message, s.buffer)
	return s
}

func (s *Sink) OnProgress(run refresh.Run, snap refresh.Snapshot) {
	value, err := json.Marshal(NewEvent(run, snap))
	if err != nil {
		s.logger.Error("encode progress event", "run_id", run.ID.String(), "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(run.PortfolioID), Value: value, Time: time.Now()}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
		s.logger.Warn("progress event dropped, writer is behind", "portfolio", run.PortfolioID)
	}
}

// Run writes queued events until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.queue:
			if err := s.write(ctx, msg); err != nil {
				s.failed.Add(1)
				s.logger.Error("write progress event", "portfolio", string(msg.Key), "error", err)
			}
		}
	}
}

func (s *Sink) write(ctx context.Context, msg kafka.Message) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	op := func() error {
		return s.w.WriteMessages(ctx, msg)
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Dropped reports events discarded because the buffer was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Failed reports events that could not be written after retries.
func (s *Sink) Failed() int64 { return s.failed.Load() }

func (s *Sink) Close() error {
	return s.w.Close()
}
