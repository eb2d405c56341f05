package engine

import "fmt"

// TraceAttr selects what Trace returns.
type TraceAttr string

const (
	// TraceAll returns the whole trace content.
	TraceAll TraceAttr = "all"

	// TraceStream returns block bytes starting at offset.
	TraceStream TraceAttr = "stream"

	// TracePath returns where the trace is stored.
	TracePath TraceAttr = "path"

	// TraceSize returns the trace size in bytes.
	TraceSize TraceAttr = "size"
)

// Validate checks if the trace attribute is valid.
func (a TraceAttr) Validate() error {
	switch a {
	case TraceAll, TraceStream, TracePath, TraceSize:
		return nil
	default:
		return fmt.Errorf("invalid trace attribute: %s", a)
	}
}

// TraceSpec declares a trace a driver can collect.
type TraceSpec struct {
	Name string
	Help string
}
