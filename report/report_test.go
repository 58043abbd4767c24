package report

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/filter"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
)

// fakeSink records every call
type fakeSink struct {
	name     string
	err      error
	panicMsg string
	block    bool

	mu     sync.Mutex
	runs   []string
	closes int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Run(ctx context.Context, msg *idmef.Message) error {
	f.mu.Lock()
	f.runs = append(f.runs, msg.MessageID())
	f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSink) Runs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func alert(id string) *idmef.Message {
	msg := idmef.New()
	_ = msg.SetAlert(&idmef.Alert{MessageID: id})
	return msg
}

func reject() filter.Filter {
	return filter.Func{FilterName: "reject", Fn: func(*idmef.Message) bool { return false }}
}

func TestDispatch_FilterGatesOnlyItsSink(t *testing.T) {
	set := NewSet()
	gated := &fakeSink{name: "gated"}
	open := &fakeSink{name: "open"}

	_, err := set.Add(gated, filter.NewChain(reject()))
	require.NoError(t, err)
	_, err = set.Add(open, filter.NewChain())
	require.NoError(t, err)

	result := set.Dispatch(context.Background(), alert("1"))
	assert.Equal(t, 1, result.Ran)
	assert.Equal(t, 1, result.Skipped)
	assert.True(t, result.OK())

	assert.Empty(t, gated.Runs())
	assert.Equal(t, []string{"1"}, open.Runs())
}

func TestDispatch_PanickingFilterSkipsItsSink(t *testing.T) {
	var logs bytes.Buffer
	set := NewSet(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	broken := &fakeSink{name: "broken-filter"}
	open := &fakeSink{name: "open"}

	exploding := filter.Func{FilterName: "exploding", Fn: func(*idmef.Message) bool { panic("nil path") }}
	_, err := set.Add(broken, filter.NewChain(exploding))
	require.NoError(t, err)
	_, err = set.Add(open, filter.NewChain())
	require.NoError(t, err)

	for _, id := range []string{"1", "2"} {
		result := set.Dispatch(context.Background(), alert(id))
		assert.Equal(t, 1, result.Ran)
		assert.Equal(t, 1, result.Skipped)
		assert.True(t, result.OK())
	}

	assert.Empty(t, broken.Runs())
	assert.Equal(t, []string{"1", "2"}, open.Runs())
	assert.Contains(t, logs.String(), "Report filter panicked")
	assert.Contains(t, logs.String(), "sink=broken-filter")
}

func TestDispatch_PartialFailure(t *testing.T) {
	set := NewSet(WithMetrics(metric.NewMetricsRegistry()))
	failing := &fakeSink{name: "failing", err: fmt.Errorf("disk full")}
	panicking := &fakeSink{name: "panicking", panicMsg: "boom"}
	after := &fakeSink{name: "after"}

	for _, s := range []*fakeSink{failing, panicking, after} {
		_, err := set.Add(s, filter.NewChain())
		require.NoError(t, err)
	}

	result := set.Dispatch(context.Background(), alert("7"))
	assert.Equal(t, 3, result.Ran)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, "failing", result.Failed[0].Sink)
	assert.Equal(t, "alert:7", result.Failed[0].Message)
	assert.Equal(t, "panicking", result.Failed[1].Sink)

	var serr *errors.SinkError
	assert.True(t, stderrors.As(result.Failed[0], &serr))
	assert.Equal(t, []string{"7"}, after.Runs())
}

func TestDispatch_SinkTimeout(t *testing.T) {
	set := NewSet(WithSinkTimeout(20 * time.Millisecond))
	slow := &fakeSink{name: "slow", block: true}
	next := &fakeSink{name: "next"}
	_, err := set.Add(slow, filter.NewChain())
	require.NoError(t, err)
	_, err = set.Add(next, filter.NewChain())
	require.NoError(t, err)

	start := time.Now()
	result := set.Dispatch(context.Background(), alert("1"))
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed[0], context.DeadlineExceeded)
	assert.Equal(t, []string{"1"}, next.Runs())
}

func TestSet_AddValidation(t *testing.T) {
	set := NewSet()
	h, err := set.Add(&fakeSink{name: "a"}, filter.NewChain())
	require.NoError(t, err)
	assert.Equal(t, Handle(0), h)

	_, err = set.Add(&fakeSink{name: "a"}, filter.NewChain())
	assert.ErrorIs(t, err, errors.ErrConflict)

	_, err = set.Add(nil, filter.NewChain())
	assert.Error(t, err)

	s, ok := set.Sink(h)
	require.True(t, ok)
	assert.Equal(t, "a", s.Name())
	_, ok = set.Sink(5)
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, set.Names())
	assert.Equal(t, 1, set.Len())
}

func TestSet_CloseOnce(t *testing.T) {
	set := NewSet()
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	_, _ = set.Add(a, filter.NewChain())
	_, _ = set.Add(b, filter.NewChain())

	require.NoError(t, set.Close())
	require.NoError(t, set.Close())
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)

	result := set.Dispatch(context.Background(), alert("late"))
	assert.Zero(t, result.Ran)
	assert.Empty(t, a.Runs())

	_, err := set.Add(&fakeSink{name: "c"}, filter.NewChain())
	assert.Error(t, err)
}
