package events

import (
	"fmt"
	"io"
	"os"
)

// LogConfig configures LogHandler.
type LogConfig struct {
	// Writer is where events are logged (default: os.Stderr).
	Writer io.Writer
	// IncludePayload includes the event payload in the log line.
	IncludePayload bool
}

// LogHandler returns a Handler that writes one line per event.
func LogHandler(cfg LogConfig) Handler {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	return func(e Event) {
		line := e.String()
		if cfg.IncludePayload && e.Payload != nil {
			line = fmt.Sprintf("%s payload=%v", line, e.Payload)
		}
		fmt.Fprintln(cfg.Writer, line)
	}
}
