package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jlnav/ensemblekit/internal/events"
)

// Bridge forwards events.Bus activity into a running Bubble Tea program.
type Bridge struct {
	program *tea.Program
}

// NewBridge wraps program.
func NewBridge(program *tea.Program) *Bridge {
	return &Bridge{program: program}
}

// Handler returns the events.Handler to subscribe on the run's bus.
func (b *Bridge) Handler() events.Handler {
	return func(e events.Event) {
		payload, _ := e.Payload.(string)
		b.program.Send(EventMsg{
				Kind: string(e.Type),
				Worker: e.Worker,
				Detail: e.String(),
				Payload: payload,
		})
	}
}

// SendDone notifies the program the run has finished.
func (b *Bridge) SendDone(exitFlag int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	b.program.Send(DoneMsg{ExitFlag: exitFlag, Err: msg})
}
