// Package tui is the Bubble Tea dashboard shown by `ensemblectl run`: a
// live view of the worker registry and history counters, fed by the
// manager's event bus.
package tui

import (
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// WorkerState is the dashboard's view of one worker row.
type WorkerState struct {
	ID int
	Status string // idle, active, persistent, blocked
}

// Model is the bubbletea model for the run dashboard.
type Model struct {
	NumWorkers int
	Workers map[int]*WorkerState
	SimCount int
	GenCount int
	StartTime time.Time
	LogLines []string
	LogLimit int
	Styles Styles
	Width int
	Height int

	Quitting bool
	Done bool
	ExitFlag int
	Err string
}

// NewModel creates a dashboard for a run with the given worker count.
func NewModel(numWorkers int) *Model {
	workers := make(map[int]*WorkerState, numWorkers)
	for i := 1; i <= numWorkers; i++ {
		workers[i] = &WorkerState{ID: i, Status: "idle"}
	}
	return &Model{
		NumWorkers: numWorkers,
		Workers: workers,
		StartTime: time.Now(),
		LogLimit: 200,
		Styles: DefaultStyles(),
	}
}

func (m *Model) sortedWorkerIDs() []int {
	ids := make([]int, 0, len(m.Workers))
	for id := range m.Workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg is sent once a second to refresh the elapsed-time display.
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// EventMsg carries one ensemble event into the Bubble Tea update loop.
type EventMsg struct {
	Kind string
	Worker int
	Detail string
	Payload string
}

// DoneMsg signals the run has finished.
type DoneMsg struct {
	ExitFlag int
	Err string
}
