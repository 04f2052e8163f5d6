package filter

import (
	"github.com/MuchTitan/go-log-tailer/internal"
)

// Plugin inspects entries between the tailers and the outputs. Returning a
// nil entry drops it.
type Plugin interface {
	internal.Plugin
	Process(entry *internal.Entry) (*internal.Entry, error)
	MatchTag(inputTag string) bool
}
