// Package trace provides types for collecting and annotating guest-visible
// SVC trace events surfaced by internal/log.Logger.GuestTrace during a run.
// Of the bound syscalls, only dbgMsg reports through GuestTrace.
package trace

import "time"

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events, one per internal/syscalls/* package plus
// a couple of cross-cutting annotations DefaultEnricher adds.
const (
	Core     Tag = "core"
	Heap     Tag = "heap"
	Thread   Tag = "thread"
	EventTag Tag = "event"
	LCD      Tag = "lcd"
	FileIO   Tag = "fileio"
	INI      Tag = "ini"
	Device   Tag = "device"
	Alloc    Tag = "alloc"
	Free     Tag = "free"
	Wait     Tag = "wait"
	Fallback Tag = "fallback"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Raw returns tags as strings without # prefix.
func (t Tags) Raw() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Has returns true if the annotation exists.
func (a Annotations) Has(k string) bool {
	_, ok := a[k]
	return ok
}

// Event represents a trace event with rich metadata.
type Event struct {
	PC          uint64      // program counter (caller lr recovered from the SVC trampoline)
	Tags        Tags        // multiple hashtags, first is primary
	Name        string      // handler name (e.g. "lmalloc", "OSCreateThread")
	Detail      string      // additional detail (e.g. "size=24")
	Annotations Annotations // key-value metadata
	Timestamp   time.Time   // when the event occurred
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds a secondary tag distinguishing allocation from
// release, and wait-object activity, based on the handler name within its
// primary category.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch e.Tags[0] {
	case Heap:
		switch e.Name {
		case "lmalloc", "lcalloc", "lrealloc":
			e.AddTag(Alloc)
		case "_lfree":
			e.AddTag(Free)
		}
	case EventTag:
		if e.Name == "GetEvent" || e.Name == "OSCreateEvent" {
			e.AddTag(Wait)
		}
	case Thread:
		if e.Name == "OSEnterCriticalSection" || e.Name == "OSSleep" {
			e.AddTag(Wait)
		}
	}
}
