package trainlog_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/trainer/internal/trainlog"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestReadMissing(t *testing.T) {
	t.Parallel()
	sink := trainlog.New(filepath.Join(t.TempDir(), "train.log"))
	content, err := sink.Read()
	require.NoError(t, err)
	require.Empty(t, content)
}

func TestResetAndMark(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "train.log")
	require.NoError(t, os.WriteFile(path, []byte("previous job\n"), 0o644))

	now := time.Date(2025, 3, 1, 10, 11, 12, 0, time.Local)
	sink := trainlog.New(path).WithClock(fixedClock(now))
	require.Equal(t, path, sink.Path())

	require.NoError(t, sink.Reset())
	f, err := sink.Open()
	require.NoError(t, err)
	_, err = f.WriteString("epoch 1/50\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, sink.Mark(trainlog.EventStopped(4242)))

	content, err := sink.Read()
	require.NoError(t, err)
	require.Equal(t,
		"[2025-03-01 10:11:12] TRAIN_STARTED\n"+
			"epoch 1/50\n"+
			"[2025-03-01 10:11:12] TRAIN_STOPPED (pid=4242)\n",
		content,
	)
}

func TestParseMarker(t *testing.T) {
	t.Parallel()
	type then struct {
		ok    bool
		event string
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"started", "[2025-03-01 10:11:12] TRAIN_STARTED", then{true, "TRAIN_STARTED"}},
		{"stopped", "[2025-03-01 10:11:12] TRAIN_STOPPED (pid=7)\n", then{true, "TRAIN_STOPPED (pid=7)"}},
		{"worker line", "Epoch 1/50 loss=0.3", then{false, ""}},
		{"bad time", "[2025-13-01 10:11:12] TRAIN_STARTED", then{false, ""}},
		{"not an event", "[2025-03-01 10:11:12] hello", then{false, ""}},
		{"empty", "", then{false, ""}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			ts, event, ok := trainlog.ParseMarker(tt.given)
			require.Equal(t, tt.then.ok, ok)
			require.Equal(t, tt.then.event, event)
			if ok {
				require.Equal(t, 2025, ts.Year())
			}
		})
	}

	now := time.Now().Truncate(time.Second)
	ts, event, ok := trainlog.ParseMarker(trainlog.FormatMarker(now, trainlog.EventFinished))
	require.True(t, ok)
	require.Equal(t, trainlog.EventFinished, event)
	require.True(t, now.Equal(ts))
}

type collector struct {
	mx  sync.Mutex
	buf strings.Builder
}

func (c *collector) add(b []byte) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.buf.Write(b)
	return nil
}

func (c *collector) String() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.buf.String()
}

func TestFollow(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "train.log")
	sink := trainlog.New(path).WithClock(fixedClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local)))

	ctx, cancel := context.WithCancel(t.Context())
	var got collector
	done := make(chan error, 1)
	go func() {
		done <- sink.Follow(ctx, 0, got.add)
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, sink.Reset())
	require.Eventually(t, func() bool {
		return got.String() == "[2025-03-01 00:00:00] TRAIN_STARTED\n"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sink.Mark(trainlog.EventFinished))
	require.Eventually(t, func() bool {
		return strings.HasSuffix(got.String(), "TRAIN_FINISHED\n")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLastEvent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "train.log")
	sink := trainlog.New(path)

	_, ok := sink.LastEvent()
	require.False(t, ok)

	require.NoError(t, sink.Reset())
	event, ok := sink.LastEvent()
	require.True(t, ok)
	require.Equal(t, trainlog.EventStarted, event)
	require.False(t, trainlog.Terminal(event))

	f, err := sink.Open()
	require.NoError(t, err)
	_, err = f.WriteString("epoch 1\nepoch 2")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	event, ok = sink.LastEvent()
	require.True(t, ok)
	require.Equal(t, trainlog.EventStarted, event)

	require.True(t, trainlog.Terminal(trainlog.EventStopped(1)))
	require.True(t, trainlog.Terminal(trainlog.EventFinished))
	require.True(t, trainlog.Terminal(trainlog.EventFailed))
}

func TestFollowReplaced(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "train.log")
	sink := trainlog.New(path).WithClock(fixedClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local)))
	const (
		started  = "[2025-03-01 00:00:00] TRAIN_STARTED\n"
		finished = "[2025-03-01 00:00:00] TRAIN_FINISHED\n"
	)

	require.NoError(t, sink.Reset())
	f, err := sink.Open()
	require.NoError(t, err)
	_, err = f.WriteString("epoch 1/50\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// the consumer is stuck in the first chunk while the next job replaces
	// the log and writes more than was consumed so far
	var got collector
	first := make(chan struct{})
	release := make(chan struct{})
	var calls int
	consume := func(b []byte) error {
		calls++
		if calls == 1 {
			close(first)
			<-release
		}
		return got.add(b)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- sink.Follow(ctx, 0, consume)
	}()

	<-first
	require.NoError(t, sink.Reset())
	for range 5 {
		require.NoError(t, sink.Mark(trainlog.EventFinished))
	}
	close(release)

	want := started + "epoch 1/50\n" + started + strings.Repeat(finished, 5)
	require.Eventually(t, func() bool {
		return got.String() == want
	}, 5*time.Second, 10*time.Millisecond, got.String())

	cancel()
	require.NoError(t, <-done)
}
