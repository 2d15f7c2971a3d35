package statusapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, k *fakeKiosk) (*Server, *Client) {
	t.Helper()

	s, ts := newTestServer(t, k)
	return s, NewClient(ts.URL, time.Second, ts.Client())
}

func TestClient_Status(t *testing.T) {
	_, c := newTestClient(t, newFakeKiosk())

	snap, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kiosk.StatusReady, snap.Status)
	assert.True(t, snap.Ready)
}

func TestClient_Sessions(t *testing.T) {
	k := newFakeKiosk()
	_, c := newTestClient(t, k)
	ctx := context.Background()

	user, err := c.StartMember(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.Name)

	code, err := c.StartGuest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "900001", code)

	res, err := c.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.ItemsProcessed)
	assert.InDelta(t, 5.0, res.Backend.Summary.TotalPoints, 1e-9)

	require.NoError(t, c.EmergencyStop(ctx))
	assert.Equal(t, 1, k.stopCount())

	items, err := c.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestClient_RemoteError(t *testing.T) {
	k := newFakeKiosk()
	k.endErr = kiosk.ErrNoSession
	_, c := newTestClient(t, k)

	_, err := c.EndSession(context.Background())

	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusNotFound, re.Code)
	assert.Equal(t, kiosk.ErrNoSession.Error(), re.Message)
}

func TestClient_Stream(t *testing.T) {
	k := newFakeKiosk()
	s, c := newTestClient(t, k)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = s.Run(ctx) }()

	var (
		mu     sync.Mutex
		events []string
	)
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- c.Stream(ctx, func(event string, _ []byte) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		return s.Broadcaster().ClientCount() == 1 && k.bus.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	k.bus.Publish(kiosk.Event{Kind: kiosk.EventSessionStarted, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"connected", "status", "session_started"}, events)
	mu.Unlock()

	cancel()
	select {
	case err := <-streamDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}
