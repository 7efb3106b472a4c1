// Package frontend renders the guest LCD framebuffer in a terminal using
// bubbletea, translating key presses and mouse clicks into GuestEvents on
// a mutex-protected queue the SVC event handlers drain.
package frontend

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// EventKind identifies the kind of guest input event queued by the front
// end, matching the platform's input event taxonomy.
type EventKind int

const (
	EventKeyDown EventKind = iota
	EventKeyUp
	EventTouchDown
	EventTouchUp
)

// GuestEvent is one queued input event bound for the guest's event queue.
type GuestEvent struct {
	Kind EventKind
	Code rune
	X, Y int
}

// Queue is a FIFO of pending guest events, safe for concurrent access from
// the bubbletea update loop and the syscalls/event package.
type Queue struct {
	mu     sync.Mutex
	events []GuestEvent
}

// NewQueue returns an empty event queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends an event.
func (q *Queue) Push(e GuestEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, e)
}

// Pop removes and returns the oldest event, reporting false if the queue
// is empty.
func (q *Queue) Pop() (GuestEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return GuestEvent{}, false
	}
	e := q.events[0]
	q.events = q.events[1:]
	return e, true
}

// FramebufferView is a read-only window onto the guest LCD region, given
// to the model so it can render without touching guest memory directly.
type FramebufferView interface {
	// ReadFramebuffer returns a snapshot of the LCD pixel region.
	ReadFramebuffer() ([]byte, int, int, error) // data, width, height
}

// Model is the bubbletea model driving the terminal front end.
type Model struct {
	fb     FramebufferView
	events *Queue
	width  int
	height int
	err    error
}

// New returns a Model bound to fb for framebuffer reads and q for queued
// input events.
func New(fb FramebufferView, q *Queue) Model {
	return Model{fb: fb, events: q}
}

// Init satisfies tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update translates key and mouse messages into GuestEvents and handles
// terminal resize.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		runes := msg.Runes
		if len(runes) > 0 {
			m.events.Push(GuestEvent{Kind: EventKeyDown, Code: runes[0]})
			m.events.Push(GuestEvent{Kind: EventKeyUp, Code: runes[0]})
		}
		return m, nil

	case tea.MouseMsg:
		switch msg.Action {
		case tea.MouseActionPress:
			m.events.Push(GuestEvent{Kind: EventTouchDown, X: msg.X, Y: msg.Y})
		case tea.MouseActionRelease:
			m.events.Push(GuestEvent{Kind: EventTouchUp, X: msg.X, Y: msg.Y})
		}
		return m, nil
	}
	return m, nil
}

// View renders the current framebuffer as a character grid, one glyph per
// pixel; the grid is not scaled to the terminal size.
func (m Model) View() string {
	if m.fb == nil {
		return "no framebuffer bound"
	}
	data, w, h, err := m.fb.ReadFramebuffer()
	if err != nil {
		return fmt.Sprintf("framebuffer read error: %v", err)
	}

	var sb strings.Builder
	style := lipgloss.NewStyle()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 2 // RGB565
			if off+1 >= len(data) {
				continue
			}
			px := uint16(data[off]) | uint16(data[off+1])<<8
			sb.WriteString(style.Render(glyphFor(px)))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// glyphFor maps an RGB565 pixel's luminance onto a coarse ASCII ramp; an
// exact color terminal render is out of scope, this is a diagnostic view.
func glyphFor(px uint16) string {
	r := (px >> 11) & 0x1F
	g := (px >> 5) & 0x3F
	b := px & 0x1F
	lum := int(r)*5 + int(g)*3 + int(b)*2
	ramp := " .:-=+*#%@"
	idx := lum * (len(ramp) - 1) / (31*5 + 63*3 + 31*2)
	return string(ramp[idx])
}
