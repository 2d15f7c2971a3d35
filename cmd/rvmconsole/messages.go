package main

import (
	"time"

	"github.com/germanamz/rvm/pkg/kiosk"
)

// snapshotMsg carries a fresh kiosk snapshot.
type snapshotMsg struct {
	snap kiosk.Snapshot
	err  error
}

// streamEventMsg is one event from the kiosk event stream.
type streamEventMsg struct {
	event string
	data  []byte
	at    time.Time
}

// streamDownMsg reports that the event stream ended and will be retried.
type streamDownMsg struct {
	err error
}

// actionDoneMsg is returned by the tea.Cmd running an operator action.
type actionDoneMsg struct {
	action  string
	err     error
	summary string
}
