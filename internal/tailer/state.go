package tailer

import (
	"errors"
	"fmt"
	"time"
)

// FileReadState is the resumable read position of one tailed file.
// ByteOffset never exceeds FileSize outside of a read; if it does the file
// was truncated and must be treated as rotated.
type FileReadState struct {
	ServerID     string
	FilePath     string
	AbsolutePath string
	ByteOffset   uint64
	LineNumber   int64
	FileIdentity FileIdentity
	FileSize     uint64
	LastReadAt   time.Time
	IsActive     bool
}

// BufferedLine is a raw line waiting for the processor.
type BufferedLine struct {
	Text       string
	LineNumber int64
	// ByteLength includes the line terminator.
	ByteLength int
}

type Status int32

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	// ErrStopped is returned by Start once the tailer has been stopped.
	ErrStopped = errors.New("tailer stopped")
	// ErrDrainTimeout is reported when buffered lines are discarded because
	// the processor did not keep up within the drain timeout.
	ErrDrainTimeout = errors.New("line buffer drain timed out")
)

// TailError is what the tailer hands to OnError. Op names the step that
// failed: "stat", "read", "process", "entry", "persist", "flush", "drain",
// "watch" or "state".
type TailError struct {
	Op   string
	Path string
	Err  error
}

func (e *TailError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TailError) Unwrap() error {
	return e.Err
}
