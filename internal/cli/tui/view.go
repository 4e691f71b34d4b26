package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// View implements tea.Model.
func (m *Model) View() string {
	if m.Done || m.Quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.Styles.Title.Render("ensemblekit run"))
	b.WriteString(" ")
	b.WriteString(m.Styles.Timer.Render(time.Since(m.StartTime).Round(time.Second).String()))
	b.WriteString("\n\n")

	for _, id := range m.sortedWorkerIDs() {
		w := m.Workers[id]
		icon, style := workerGlyph(w.Status, m.Styles)
		fmt.Fprintf(&b, " %s worker %-3d %s\n", icon, w.ID, style.Render(w.Status))
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "sim_count=%d gen_count=%d\n", m.SimCount, m.GenCount)

	if len(m.LogLines) > 0 {
		tail := m.LogLines
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		b.WriteString("\n")
		for _, line := range tail {
			b.WriteString(m.Styles.LogLine.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString(m.Styles.Footer.Render("q: quit"))
	return b.String()
}

func workerGlyph(status string, s Styles) (string, lipgloss.Style) {
	switch status {
	case "active":
		return IconActive, s.Active
	case "persistent":
		return IconPersist, s.Persist
	case "blocked":
		return IconBlocked, s.Blocked
	default:
		return IconIdle, s.Idle
	}
}
