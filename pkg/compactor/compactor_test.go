package compactor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/germanamz/rvm/pkg/compactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMotor struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	hang     chan struct{} // First stop blocks until closed.
}

func (m *fakeMotor) CompactorStart(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.calls = append(m.calls, "start")
	return nil
}

func (m *fakeMotor) CompactorStop(context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, "stop")
	hang := m.hang
	m.hang = nil
	m.mu.Unlock()

	if hang != nil {
		<-hang
	}
	return nil
}

func (m *fakeMotor) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func TestStart_RunsForDuration(t *testing.T) {
	m := &fakeMotor{}
	s := compactor.New(m, 30*time.Millisecond, time.Second)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Active())
	assert.Equal(t, []string{"start"}, m.snapshot())

	assert.True(t, s.WaitIdle(context.Background(), time.Second))
	assert.False(t, s.Active())
	assert.Equal(t, []string{"start", "stop"}, m.snapshot())
}

func TestStart_RunsNeverOverlap(t *testing.T) {
	m := &fakeMotor{}
	s := compactor.New(m, 30*time.Millisecond, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start(context.Background()))
		}()
	}
	wg.Wait()

	assert.True(t, s.WaitIdle(context.Background(), time.Second))
	assert.Equal(t, []string{"start", "stop", "start", "stop", "start", "stop"}, m.snapshot())
}

func TestStart_ForceStopsOverdueRun(t *testing.T) {
	release := make(chan struct{})
	m := &fakeMotor{hang: release}
	s := compactor.New(m, 10*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))

	// The first run's stop hangs, so the run stays active past run+grace.
	assert.Eventually(t, func() bool { return len(m.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, s.Active())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start", "stop", "stop", "start"}, m.snapshot()[:4])

	close(release)

	assert.True(t, s.WaitIdle(context.Background(), time.Second))
	assert.Equal(t, []string{"start", "stop", "stop", "start", "stop"}, m.snapshot())
}

func TestForceStop(t *testing.T) {
	m := &fakeMotor{}
	s := compactor.New(m, time.Hour, time.Second)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.ForceStop(context.Background()))
	assert.False(t, s.Active())
	assert.True(t, s.WaitIdle(context.Background(), 0))

	// Unconditional: stops even when idle.
	require.NoError(t, s.ForceStop(context.Background()))
	assert.Equal(t, []string{"start", "stop", "stop"}, m.snapshot())
}

func TestForceStop_CancelsWaitingStart(t *testing.T) {
	m := &fakeMotor{}
	s := compactor.New(m, 300*time.Millisecond, time.Second)

	require.NoError(t, s.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background()) }()

	// Let the second start block behind the active run.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.ForceStop(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, compactor.ErrStartCancelled)
	case <-time.After(time.Second):
		t.Fatal("waiting start did not return")
	}

	assert.False(t, s.Active())
	assert.Equal(t, []string{"start", "stop"}, m.snapshot())

	// A later start is unaffected.
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Active())
	require.NoError(t, s.ForceStop(context.Background()))
}

func TestStart_CancelledContext(t *testing.T) {
	m := &fakeMotor{}
	s := compactor.New(m, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Start(ctx), context.Canceled)
	assert.Empty(t, m.snapshot())
}

func TestWaitIdle_Timeout(t *testing.T) {
	m := &fakeMotor{}
	s := compactor.New(m, time.Hour, time.Second)

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.ForceStop(context.Background()) }()

	assert.False(t, s.WaitIdle(context.Background(), 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.WaitIdle(ctx, time.Hour))
}

func TestStart_Error(t *testing.T) {
	m := &fakeMotor{startErr: errors.New("serial port busy")}
	s := compactor.New(m, time.Hour, time.Second)

	assert.EqualError(t, s.Start(context.Background()), "serial port busy")
	assert.False(t, s.Active())
}
