package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/mattn/go-runewidth"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	keyStyle     = lipgloss.NewStyle().Bold(true)
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	sectionStyle = lipgloss.NewStyle().PaddingLeft(1)

	statusStyles = map[kiosk.Status]lipgloss.Style{
		kiosk.StatusIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		kiosk.StatusReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		kiosk.StatusActive:     lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true),
		kiosk.StatusProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		kiosk.StatusRejecting:  lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		kiosk.StatusError:      lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
)

func (m model) View() string {
	var sb strings.Builder

	sb.WriteString(m.headerLine())
	sb.WriteString("\n\n")

	if m.haveSnap {
		for _, line := range m.bodyLines() {
			sb.WriteString(sectionStyle.Render(fitWidth(line, m.width-1)))
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(sectionStyle.Render(dimStyle.Render("waiting for " + m.apiURL)))
		sb.WriteString("\n")
	}

	if len(m.events) > 0 {
		sb.WriteString("\n")
		sb.WriteString(titleStyle.Render("Events"))
		sb.WriteString("\n")
		for _, ev := range m.events {
			line := fmt.Sprintf("%s %-15s %s", ev.at.Format("15:04:05"), ev.event, ev.text)
			sb.WriteString(sectionStyle.Render(fitWidth(line, m.width-1)))
			sb.WriteString("\n")
		}
	}

	if m.summary != "" {
		sb.WriteString("\n")
		sb.WriteString(m.summary)
		sb.WriteString("\n")
	}

	if m.err != nil {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render(fitWidth("✗ "+m.err.Error(), m.width)))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	switch {
	case m.form != nil:
		sb.WriteString(m.form.View())
		sb.WriteString("\n")
		sb.WriteString(dimStyle.Render("enter to start · esc to cancel"))
	case m.busy != "":
		sb.WriteString(m.spinner.View() + " " + m.busy + "...")
	default:
		sb.WriteString(helpLine())
	}
	sb.WriteString("\n")

	return sb.String()
}

func (m model) headerLine() string {
	device := "RVM"
	stream := dimStyle.Render("stream: down")
	if m.streamUp {
		stream = dimStyle.Render("stream: live")
	}

	if !m.haveSnap {
		return titleStyle.Render(device) + "  " + stream
	}

	style, ok := statusStyles[m.snap.Status]
	if !ok {
		style = dimStyle
	}

	module := "module: none"
	if m.snap.ModuleID != "" {
		module = "module: " + m.snap.ModuleID
	}

	line := fmt.Sprintf("%s  %s  %s  %s  %s",
		titleStyle.Render(device),
		style.Render("● "+string(m.snap.Status)),
		m.snap.Message,
		dimStyle.Render(module),
		stream,
	)

	return fitWidth(line, m.width)
}

func (m model) bodyLines() []string {
	s := m.snap
	var lines []string

	if sess := s.Session; sess != nil {
		who := string(sess.Mode)
		if sess.UserName != "" {
			who += ", " + sess.UserName
		}
		if !sess.Active {
			who += ", stopped"
		}
		lines = append(lines,
			fmt.Sprintf("Session %s (%s)  %s", sess.Code, who, dimStyle.Render(sess.Duration.Round(1e9).String())),
			fmt.Sprintf("Items %d · %.1f g · %.1f pts · PET %d · Aluminum %d · Glass %d",
				sess.ItemsProcessed, sess.TotalWeight, sess.TotalPoints,
				sess.Counts.PET, sess.Counts.Aluminum, sess.Counts.Glass),
		)
	} else {
		lines = append(lines, dimStyle.Render("No session"))
	}

	compactor := "idle"
	if s.CompactorActive {
		compactor = "running"
	}
	lines = append(lines, fmt.Sprintf("Phase %s · retries %d · auto-cycle %t · compactor %s",
		s.Phase, s.DetectionRetries, s.AutoCycle, compactor))

	if r := s.LastClassification; r != nil {
		line := fmt.Sprintf("Last %q → %s %d%%", r.Label, r.Material, r.Confidence)
		if s.LastWeight != nil {
			line += fmt.Sprintf(" · %.1f g", *s.LastWeight)
		}
		lines = append(lines, line)
	}

	if s.LastError != "" {
		lines = append(lines, errorStyle.Render("Last error: "+s.LastError))
	}

	return lines
}

func helpLine() string {
	keys := []struct{ key, label string }{
		{"g", "guest"},
		{"m", "member"},
		{"e", "end session"},
		{"x", "emergency stop"},
		{"r", "refresh"},
		{"q", "quit"},
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, keyStyle.Render("["+k.key+"]")+" "+k.label)
	}

	return dimStyle.Render(strings.Join(parts, "  "))
}

// fitWidth truncates s to width terminal cells. ANSI styling is measured
// with lipgloss so styled lines are only cut when they really overflow.
func fitWidth(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// summaryMarkdown renders an end-session result as markdown.
func summaryMarkdown(res kiosk.EndResult) string {
	s := res.Summary

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Session %s ended\n\n", s.SessionCode)
	sb.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Items | %d |\n", s.ItemsProcessed)
	fmt.Fprintf(&sb, "| Weight | %.1f g |\n", s.TotalWeight)
	fmt.Fprintf(&sb, "| Points | %.1f |\n", s.TotalPoints)
	fmt.Fprintf(&sb, "| PET / Aluminum / Glass | %d / %d / %d |\n", s.Counts.PET, s.Counts.Aluminum, s.Counts.Glass)
	fmt.Fprintf(&sb, "| Duration | %s |\n", s.Duration.Round(1e9))

	if c := res.Backend.Claim; c != nil {
		sb.WriteString("\n### Guest claim\n\n")
		fmt.Fprintf(&sb, "Claim code **%s**", c.ClaimCode)
		if c.ExpiresIn != "" {
			fmt.Fprintf(&sb, " (expires in %s)", c.ExpiresIn)
		}
		sb.WriteString("\n")
		if c.QRCodeURL != "" {
			fmt.Fprintf(&sb, "\n%s\n", c.QRCodeURL)
		}
	}

	if msg := res.Backend.Message; msg != "" {
		fmt.Fprintf(&sb, "\n> %s\n", msg)
	}

	return sb.String()
}

// renderMarkdown converts markdown to terminal output, falling back to the
// plain text if rendering fails.
func renderMarkdown(md string, width int) string {
	if width <= 0 {
		width = 100
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}

	out, err := r.Render(md)
	if err != nil {
		return md
	}

	return strings.TrimRight(out, "\n")
}
