package opsmcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKiosk struct {
	endErr  error
	stopped bool
}

func (f *fakeKiosk) Status(context.Context) (kiosk.Snapshot, error) {
	return kiosk.Snapshot{Status: kiosk.StatusActive, Message: "Session active", Ready: true}, nil
}

func (f *fakeKiosk) Items(context.Context) ([]kiosk.Item, error) {
	return []kiosk.Item{{Seq: 1, Weight: 12.5}}, nil
}

func (f *fakeKiosk) StartGuest(context.Context) (string, error) { return "900001", nil }

func (f *fakeKiosk) EndSession(context.Context) (kiosk.EndResult, error) {
	if f.endErr != nil {
		return kiosk.EndResult{}, f.endErr
	}
	return kiosk.EndResult{Summary: kiosk.Summary{SessionCode: "900001", ItemsProcessed: 3}}, nil
}

func (f *fakeKiosk) EmergencyStop(context.Context) error {
	f.stopped = true
	return nil
}

func setupTestClient(t *testing.T, k Kiosk) *mcp.ClientSession {
	t.Helper()

	s := New(k, "test")
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- s.run(ctx, serverTransport)
	}()
	t.Cleanup(func() {
		cancel()
		<-serverDone
	})

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func callText(t *testing.T, session *mcp.ClientSession, name string) (string, bool) {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	return tc.Text, result.IsError
}

func TestListTools(t *testing.T) {
	session := setupTestClient(t, &fakeKiosk{})

	result, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}

	assert.ElementsMatch(t, []string{
		"kiosk_status",
		"session_items",
		"start_guest_session",
		"end_session",
		"emergency_stop",
	}, names)
}

func TestKioskStatus(t *testing.T) {
	session := setupTestClient(t, &fakeKiosk{})

	text, isErr := callText(t, session, "kiosk_status")
	assert.False(t, isErr)

	var snap kiosk.Snapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	assert.Equal(t, kiosk.StatusActive, snap.Status)
	assert.Equal(t, "Session active", snap.Message)
}

func TestStartGuestSession(t *testing.T) {
	session := setupTestClient(t, &fakeKiosk{})

	text, isErr := callText(t, session, "start_guest_session")
	assert.False(t, isErr)
	assert.JSONEq(t, `{"sessionCode":"900001"}`, text)
}

func TestSessionItems(t *testing.T) {
	session := setupTestClient(t, &fakeKiosk{})

	text, isErr := callText(t, session, "session_items")
	assert.False(t, isErr)

	var items []kiosk.Item
	require.NoError(t, json.Unmarshal([]byte(text), &items))
	require.Len(t, items, 1)
	assert.InDelta(t, 12.5, items[0].Weight, 1e-9)
}

func TestEndSession(t *testing.T) {
	session := setupTestClient(t, &fakeKiosk{})

	text, isErr := callText(t, session, "end_session")
	assert.False(t, isErr)

	var res kiosk.EndResult
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	assert.Equal(t, 3, res.Summary.ItemsProcessed)
}

func TestEndSession_Error(t *testing.T) {
	session := setupTestClient(t, &fakeKiosk{endErr: errors.New("statusapi: 404: kiosk: no active session")})

	text, isErr := callText(t, session, "end_session")
	assert.True(t, isErr)
	assert.Contains(t, text, "no active session")
}

func TestEmergencyStop(t *testing.T) {
	k := &fakeKiosk{}
	session := setupTestClient(t, k)

	text, isErr := callText(t, session, "emergency_stop")
	assert.False(t, isErr)
	assert.JSONEq(t, `{"stopped":true}`, text)
	assert.True(t, k.stopped)
}
