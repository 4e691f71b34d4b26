package tui

import tea "github.com/charmbracelet/bubbletea"

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height

	case TickMsg:
		return m, tickCmd()

	case EventMsg:
		m.applyEvent(msg)

	case DoneMsg:
		m.Done = true
		m.ExitFlag = msg.ExitFlag
		m.Err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) applyEvent(e EventMsg) {
	w := m.Workers[e.Worker]
	switch e.Kind {
	case "worker.dispatched":
		if w != nil {
			w.Status = "active"
		}
	case "worker.idle":
		if w != nil {
			w.Status = "idle"
		}
	case "worker.blocked":
		if w != nil {
			w.Status = "blocked"
		}
	case "worker.killed":
		if w != nil {
			w.Status = "idle"
		}
	case "persistent.started":
		if w != nil {
			w.Status = "persistent"
		}
	case "persistent.stopped":
		if w != nil {
			w.Status = "idle"
		}
	case "history.ingested":
		switch e.Payload {
		case "EVAL_SIM":
			m.SimCount++
		case "EVAL_GEN":
			m.GenCount++
		}
	}
	m.appendLog(e.Detail)
}

func (m *Model) appendLog(line string) {
	if line == "" {
		return
	}
	m.LogLines = append(m.LogLines, line)
	if len(m.LogLines) > m.LogLimit {
		m.LogLines = m.LogLines[len(m.LogLines)-m.LogLimit:]
	}
}
