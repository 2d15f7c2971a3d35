package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/germanamz/rvm/pkg/material"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKiosk struct {
	mu      sync.Mutex
	snap    kiosk.Snapshot
	calls   []string
	endRes  kiosk.EndResult
	failErr error
}

func (f *fakeKiosk) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.failErr
}

func (f *fakeKiosk) Status(_ context.Context) (kiosk.Snapshot, error) {
	return f.snap, f.record("status")
}

func (f *fakeKiosk) StartMember(_ context.Context, code string) (backend.User, error) {
	return backend.User{ID: "u1"}, f.record("member:" + code)
}

func (f *fakeKiosk) StartGuest(_ context.Context) (string, error) {
	return "900001", f.record("guest")
}

func (f *fakeKiosk) EndSession(_ context.Context) (kiosk.EndResult, error) {
	return f.endRes, f.record("end")
}

func (f *fakeKiosk) EmergencyStop(_ context.Context) error {
	return f.record("emergency")
}

func (f *fakeKiosk) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()

	next, cmd := m.Update(msg)
	nm, ok := next.(model)
	require.True(t, ok)

	return nm, cmd
}

func TestUpdate_Snapshot(t *testing.T) {
	m := newModel(context.Background(), &fakeKiosk{}, "http://kiosk")

	m, _ = update(t, m, snapshotMsg{snap: kiosk.Snapshot{Status: kiosk.StatusReady, Message: "System ready"}})
	assert.True(t, m.haveSnap)
	assert.Equal(t, kiosk.StatusReady, m.snap.Status)
	assert.Contains(t, m.View(), "System ready")

	m, _ = update(t, m, snapshotMsg{err: errors.New("connection refused")})
	assert.EqualError(t, m.err, "connection refused")
	assert.Equal(t, kiosk.StatusReady, m.snap.Status)
}

func TestUpdate_StatusEventReplacesSnapshot(t *testing.T) {
	m := newModel(context.Background(), &fakeKiosk{}, "http://kiosk")

	data, err := json.Marshal(kiosk.Snapshot{Status: kiosk.StatusProcessing, Phase: kiosk.PhaseIdle})
	require.NoError(t, err)

	m, cmd := update(t, m, streamEventMsg{event: "status", data: data, at: time.Now()})
	assert.Nil(t, cmd)
	assert.True(t, m.streamUp)
	assert.Equal(t, kiosk.StatusProcessing, m.snap.Status)
	assert.Empty(t, m.events)

	m, _ = update(t, m, streamDownMsg{err: errors.New("EOF")})
	assert.False(t, m.streamUp)
}

func TestUpdate_KioskEventRefetches(t *testing.T) {
	fk := &fakeKiosk{snap: kiosk.Snapshot{Status: kiosk.StatusActive}}
	m := newModel(context.Background(), fk, "http://kiosk")

	data := []byte(`{"kind":"bin_full","timestamp":"2026-01-02T03:04:05Z","data":{"code":1,"bin":"Metal"}}`)
	m, cmd := update(t, m, streamEventMsg{event: "bin_full", data: data, at: time.Now()})
	require.Len(t, m.events, 1)
	assert.Equal(t, "Metal bin full", m.events[0].text)

	require.NotNil(t, cmd)
	msg, ok := cmd().(snapshotMsg)
	require.True(t, ok)
	assert.Equal(t, kiosk.StatusActive, msg.snap.Status)
}

func TestPushEvent_Caps(t *testing.T) {
	m := newModel(context.Background(), &fakeKiosk{}, "http://kiosk")

	for i := range maxEvents + 3 {
		m.pushEvent(streamEventMsg{event: "error", data: []byte(`{"data":"e` + string(rune('a'+i)) + `"}`)})
	}

	require.Len(t, m.events, maxEvents)
	assert.Equal(t, "ed", m.events[0].text)
	assert.Equal(t, "ek", m.events[maxEvents-1].text)
}

func TestHandleKey_GuestAndBusy(t *testing.T) {
	fk := &fakeKiosk{}
	m := newModel(context.Background(), fk, "http://kiosk")

	m, cmd := update(t, m, key("g"))
	require.NotNil(t, cmd)
	assert.Equal(t, "Starting guest session", m.busy)

	// Further actions are ignored while one is in flight.
	_, blocked := update(t, m, key("e"))
	assert.Nil(t, blocked)

	done, ok := cmd().(actionDoneMsg)
	require.True(t, ok)
	require.NoError(t, done.err)
	assert.Equal(t, []string{"guest"}, fk.recorded())

	m, _ = update(t, m, done)
	assert.Empty(t, m.busy)
}

func TestHandleKey_EmergencyStopNeverBlocked(t *testing.T) {
	fk := &fakeKiosk{}
	m := newModel(context.Background(), fk, "http://kiosk")
	m.busy = "Ending session"

	m, cmd := update(t, m, key("x"))
	require.NotNil(t, cmd)
	assert.Equal(t, "Emergency stop", m.busy)

	_, ok := cmd().(actionDoneMsg)
	require.True(t, ok)
	assert.Equal(t, []string{"emergency"}, fk.recorded())
}

func TestHandleKey_EndSessionRendersSummary(t *testing.T) {
	fk := &fakeKiosk{endRes: kiosk.EndResult{Summary: kiosk.Summary{SessionCode: "123456", ItemsProcessed: 2}}}
	m := newModel(context.Background(), fk, "http://kiosk")

	m, cmd := update(t, m, key("e"))
	require.NotNil(t, cmd)

	done, ok := cmd().(actionDoneMsg)
	require.True(t, ok)
	require.NoError(t, done.err)
	assert.Contains(t, done.summary, "123456")

	m, _ = update(t, m, done)
	assert.Equal(t, done.summary, m.summary)
}

func TestHandleKey_ActionError(t *testing.T) {
	fk := &fakeKiosk{failErr: errors.New("kiosk is busy")}
	m := newModel(context.Background(), fk, "http://kiosk")

	m, cmd := update(t, m, key("g"))
	done, ok := cmd().(actionDoneMsg)
	require.True(t, ok)
	assert.EqualError(t, done.err, "guest session: kiosk is busy")

	m, _ = update(t, m, done)
	assert.Contains(t, m.View(), "kiosk is busy")
}

func TestHandleKey_MemberFormEsc(t *testing.T) {
	m := newModel(context.Background(), &fakeKiosk{}, "http://kiosk")

	m, _ = update(t, m, key("m"))
	require.NotNil(t, m.form)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Nil(t, m.form)
}

func TestHandleKey_Quit(t *testing.T) {
	m := newModel(context.Background(), &fakeKiosk{}, "http://kiosk")

	_, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestDescribeEvent(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  string
	}{
		{
			name:  "item accepted",
			event: "item_accepted",
			data:  `{"data":{"seq":3,"material":"METAL_CAN","weight":14.2,"confidence":91}}`,
			want:  "#3 METAL_CAN 14.2 g (91%)",
		},
		{
			name:  "item rejected",
			event: "item_rejected",
			data:  `{"data":{"className":"shoe","confidence":40,"retries":3}}`,
			want:  `"shoe" after 3 attempts`,
		},
		{
			name:  "status changed",
			event: "status_changed",
			data:  `{"data":{"status":"ready","message":"System ready"}}`,
			want:  "ready: System ready",
		},
		{
			name:  "session started",
			event: "session_started",
			data:  `{"sessionCode":"654321"}`,
			want:  "session 654321",
		},
		{
			name:  "session ended",
			event: "session_ended",
			data:  `{"data":{"sessionCode":"654321","reason":"inactivity","itemsProcessed":4}}`,
			want:  "session 654321 (inactivity), 4 items",
		},
		{
			name:  "error",
			event: "error",
			data:  `{"data":"belt jammed"}`,
			want:  "belt jammed",
		},
		{
			name:  "not json",
			event: "error",
			data:  `oops`,
			want:  "oops",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describeEvent(tt.event, []byte(tt.data)))
		})
	}
}

func TestSummaryMarkdown(t *testing.T) {
	res := kiosk.EndResult{
		Summary: kiosk.Summary{
			SessionCode:    "900001",
			Mode:           kiosk.ModeGuest,
			ItemsProcessed: 3,
			TotalWeight:    41.5,
			TotalPoints:    7.5,
			Counts:         kiosk.ItemCounts{PET: 2, Aluminum: 1},
			Duration:       95 * time.Second,
		},
		Backend: backend.EndResult{
			Claim: &backend.Claim{ClaimCode: "CLM-42", ExpiresIn: "24h", QRCodeURL: "https://qr.example/CLM-42"},
		},
	}

	md := summaryMarkdown(res)
	assert.Contains(t, md, "## Session 900001 ended")
	assert.Contains(t, md, "| Items | 3 |")
	assert.Contains(t, md, "| Weight | 41.5 g |")
	assert.Contains(t, md, "| Points | 7.5 |")
	assert.Contains(t, md, "| PET / Aluminum / Glass | 2 / 1 / 0 |")
	assert.Contains(t, md, "| Duration | 1m35s |")
	assert.Contains(t, md, "Claim code **CLM-42** (expires in 24h)")
	assert.Contains(t, md, "https://qr.example/CLM-42")

	member := summaryMarkdown(kiosk.EndResult{Summary: kiosk.Summary{SessionCode: "123456"}})
	assert.NotContains(t, member, "Guest claim")
}

func TestFitWidth(t *testing.T) {
	assert.Equal(t, "short", fitWidth("short", 10))
	assert.Equal(t, "abcd…", fitWidth("abcdefgh", 5))
	assert.Equal(t, "anything", fitWidth("anything", 0))
}

func TestView_LastClassification(t *testing.T) {
	w := 14.2
	m := newModel(context.Background(), &fakeKiosk{}, "http://kiosk")
	m.width = 200
	m.snap = kiosk.Snapshot{
		Status:             kiosk.StatusActive,
		Message:            "Processing",
		LastClassification: &material.Result{Material: material.MetalCan, Confidence: 91, Label: "can"},
		LastWeight:         &w,
		Session:            &kiosk.SessionView{Code: "123456", Mode: kiosk.ModeMember, Active: true, ItemsProcessed: 1},
	}
	m.haveSnap = true

	view := m.View()
	assert.Contains(t, view, "Session 123456")
	assert.Contains(t, view, `Last "can" → METAL_CAN 91%`)
	assert.Contains(t, view, "14.2 g")
}
