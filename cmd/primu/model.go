package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/primu-emu/primu/internal/frontend"
	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/session"
)

const frameInterval = 33 * time.Millisecond

type tickMsg time.Time

// rootModel wraps frontend.Model with a redraw ticker, since the emulator
// loop runs on its own goroutine and has no way to push frames itself.
type rootModel struct {
	frontend.Model
	sess *session.RunSession
}

func newRootModel(m *runtime.Machine, sess *session.RunSession) rootModel {
	return rootModel{
		Model: frontend.New(m, m.Events),
		sess:  sess,
	}
}

func (m rootModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m rootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case tickMsg:
		return m, tick()
	}
	updated, cmd := m.Model.Update(msg)
	m.Model = updated.(frontend.Model)
	return m, cmd
}
