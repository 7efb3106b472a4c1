// Package session identifies one run of the emulator: a UUID, a start
// time, and the executable path, attached as a permanent logging field so
// every line from a given run can be grepped out of a shared log stream.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/primu-emu/primu/internal/log"
	"go.uber.org/zap"
)

// RunSession is one invocation of the emulator against one executable.
type RunSession struct {
	ID         uuid.UUID
	Executable string
	StartedAt  time.Time
	Log        *log.Logger
}

// New generates a session id, stamps the start time, and returns a Logger
// derived from base with the session id bound as a permanent field.
func New(executable string, base *log.Logger) *RunSession {
	id := uuid.New()
	return &RunSession{
		ID:         id,
		Executable: executable,
		StartedAt:  now(),
		Log: &log.Logger{
			Logger: base.Logger.With(
				zap.String("session", id.String()),
				zap.String("exe", executable),
			),
		},
	}
}

// now is a seam so tests can stub the clock; production always calls
// time.Now.
var now = time.Now

// Elapsed returns the duration since the session started.
func (s *RunSession) Elapsed() time.Duration {
	return now().Sub(s.StartedAt)
}
