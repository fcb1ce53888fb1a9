package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricerefresh/internal/refresh"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	attempts int
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failures > 0 {
		w.failures--
		return errors.New("broker not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.written...)
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func testRun() (refresh.Run, refresh.Snapshot) {
	run := refresh.Run{ID: uuid.New(), PortfolioID: "p", StartedAt: time.Now()}
	s := refresh.Snapshot{
		RunID:              run.ID,
		PortfolioID:        "p",
		Timestamp:          time.Now(),
		TaskCount:          3,
		CompletedTaskCount: 2,
		Entries: []refresh.Entry{
			{
				InstrumentID: "a",
				Historical:   refresh.CellValue{State: refresh.StateModified},
				Latest:       refresh.CellValue{State: refresh.StateError, Message: "symbol not found"},
			},
			{
				InstrumentID: "b",
				Historical:   refresh.CellValue{State: refresh.StateLoading},
				Latest:       refresh.CellValue{State: refresh.StateSkipped},
			},
		},
	}
	return run, s
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	run, s := testRun()
	ev := NewEvent(run, s)

	assert.Equal(t, run.ID.String(), ev.RunID)
	assert.Equal(t, 3, ev.TaskCount)
	assert.Equal(t, 2, ev.CompletedTaskCount)
	assert.Equal(t, map[string]int{"MODIFIED": 1, "ERROR": 1, "LOADING": 1, "SKIPPED": 1}, ev.States)
	require.Len(t, ev.Errors, 1)
	assert.Equal(t, Failure{InstrumentID: "a", Kind: "latest", Message: "symbol not found"}, ev.Errors[0])
}

func TestSink_RetriesUntilWritten(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{failures: 2}
	sink := New(w, WithBackOff(zeroBackOff))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- sink.Run(ctx) }()

	run, s := testRun()
	sink.OnProgress(run, s)

	require.Eventually(t, func() bool { return len(w.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := w.messages()[0]
	assert.Equal(t, "p", string(msg.Key))

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, run.ID.String(), ev.RunID)
	assert.Zero(t, sink.Failed())

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestSink_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{failures: 100}
	sink := New(w, WithBackOff(zeroBackOff), WithMaxRetries(2))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = sink.Run(ctx) }()

	run, s := testRun()
	sink.OnProgress(run, s)

	require.Eventually(t, func() bool { return sink.Failed() == 1 }, time.Second, 5*time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 3, w.attempts)
	assert.Empty(t, w.written)
}

func TestSink_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	sink := New(&fakeWriter{}, WithBuffer(1))
	run, s := testRun()
	sink.OnProgress(run, s)
	sink.OnProgress(run, s)
	sink.OnProgress(run, s)

	assert.Equal(t, int64(2), sink.Dropped())
}
