package output

import "github.com/MuchTitan/go-log-tailer/internal"

// Plugin receives batches of assembled entries from the engine.
type Plugin interface {
	internal.Plugin
	Write(entries []internal.Entry) error
	Flush() error
}
