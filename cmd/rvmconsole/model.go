package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/kiosk"
)

// maxEvents is the number of recent events kept for display.
const maxEvents = 8

// Kiosk is the status API surface the console drives.
type Kiosk interface {
	Status(ctx context.Context) (kiosk.Snapshot, error)
	StartMember(ctx context.Context, code string) (backend.User, error)
	StartGuest(ctx context.Context) (string, error)
	EndSession(ctx context.Context) (kiosk.EndResult, error)
	EmergencyStop(ctx context.Context) error
}

type eventLine struct {
	at    time.Time
	event string
	text  string
}

type model struct {
	ctx    context.Context
	client Kiosk
	apiURL string

	snap       kiosk.Snapshot
	haveSnap   bool
	streamUp   bool
	events     []eventLine
	busy       string
	spinner    spinner.Model
	form       *huh.Form
	memberCode *string
	summary    string
	err        error
	width      int
}

func newModel(ctx context.Context, client Kiosk, apiURL string) model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = spinnerStyle

	return model{
		ctx:     ctx,
		client:  client,
		apiURL:  apiURL,
		spinner: sp,
		width:   100,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.form != nil {
		return m.updateForm(msg)
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.snap = msg.snap
		m.haveSnap = true
		return m, nil

	case streamEventMsg:
		m.streamUp = true
		if msg.event == "connected" {
			return m, nil
		}
		if msg.event == "status" {
			var snap kiosk.Snapshot
			if json.Unmarshal(msg.data, &snap) == nil {
				m.snap = snap
				m.haveSnap = true
			}
			return m, nil
		}
		m.pushEvent(msg)
		return m, m.fetchStatus()

	case streamDownMsg:
		m.streamUp = false
		return m, nil

	case actionDoneMsg:
		m.busy = ""
		m.err = msg.err
		if msg.summary != "" {
			m.summary = msg.summary
		}
		return m, m.fetchStatus()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "r":
		return m, m.fetchStatus()
	case "x":
		// Emergency stop is never blocked by another action in flight.
		m.busy = "Emergency stop"
		return m, m.action("emergency stop", func(ctx context.Context) (string, error) {
			return "", m.client.EmergencyStop(ctx)
		})
	}

	if m.busy != "" {
		return m, nil
	}

	switch msg.String() {
	case "g":
		m.busy = "Starting guest session"
		m.summary = ""
		return m, m.action("guest session", func(ctx context.Context) (string, error) {
			_, err := m.client.StartGuest(ctx)
			return "", err
		})
	case "m":
		m.summary = ""
		m.memberCode = new(string)
		m.form = newMemberForm(m.memberCode)
		return m, m.form.Init()
	case "e":
		m.busy = "Ending session"
		return m, m.action("end session", func(ctx context.Context) (string, error) {
			res, err := m.client.EndSession(ctx)
			if err != nil {
				return "", err
			}
			return renderMarkdown(summaryMarkdown(res), m.width), nil
		})
	}

	return m, nil
}

func (m model) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.form = nil
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	switch m.form.State {
	case huh.StateCompleted:
		code := *m.memberCode
		m.form = nil
		m.busy = "Starting member session"
		return m, m.action("member session", func(ctx context.Context) (string, error) {
			_, err := m.client.StartMember(ctx, code)
			return "", err
		})
	case huh.StateAborted:
		m.form = nil
		return m, nil
	}

	return m, cmd
}

func (m *model) pushEvent(msg streamEventMsg) {
	m.events = append(m.events, eventLine{at: msg.at, event: msg.event, text: describeEvent(msg.event, msg.data)})
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m model) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.client.Status(m.ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m model) action(name string, fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		summary, err := fn(m.ctx)
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		return actionDoneMsg{action: name, err: err, summary: summary}
	}
}

func newMemberForm(code *string) *huh.Form {
	return huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Member session code").
			Description("Scan the member QR code or type it").
			Value(code).
			Validate(func(s string) error {
				_, err := backend.CheckSessionCode(s)
				return err
			}),
	)).WithShowHelp(false)
}

// describeEvent renders the payload of a kiosk event as one short line.
func describeEvent(event string, data []byte) string {
	var ev struct {
		SessionCode string          `json:"sessionCode"`
		Data        json.RawMessage `json:"data"`
	}
	if json.Unmarshal(data, &ev) != nil {
		return string(data)
	}

	switch kiosk.EventKind(event) {
	case kiosk.EventItemAccepted:
		var it kiosk.Item
		if json.Unmarshal(ev.Data, &it) == nil {
			return fmt.Sprintf("#%d %s %.1f g (%d%%)", it.Seq, it.Material, it.Weight, it.Confidence)
		}
	case kiosk.EventItemRejected:
		var r kiosk.Rejection
		if json.Unmarshal(ev.Data, &r) == nil {
			return fmt.Sprintf("%q after %d attempts", r.ClassName, r.Retries)
		}
	case kiosk.EventStatusChanged:
		var sc kiosk.StatusChange
		if json.Unmarshal(ev.Data, &sc) == nil {
			return fmt.Sprintf("%s: %s", sc.Status, sc.Message)
		}
	case kiosk.EventBinFull:
		var b kiosk.BinFull
		if json.Unmarshal(ev.Data, &b) == nil {
			return b.Bin + " bin full"
		}
	case kiosk.EventSessionStarted:
		return "session " + ev.SessionCode
	case kiosk.EventSessionEnded:
		var s kiosk.Summary
		if json.Unmarshal(ev.Data, &s) == nil {
			return fmt.Sprintf("session %s (%s), %d items", s.SessionCode, s.Reason, s.ItemsProcessed)
		}
	case kiosk.EventError:
		var msg string
		if json.Unmarshal(ev.Data, &msg) == nil {
			return msg
		}
	}

	return string(ev.Data)
}
