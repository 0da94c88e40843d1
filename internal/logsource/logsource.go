package logsource

import (
	"log"

	"github.com/tinytelemetry/errtally/internal/model"
)

// LogSource is a unified interface for all inbox feeders (stdin, TCP, OTLP).
type LogSource interface {
	Lines() <-chan model.IngestLine // read-only channel of received messages
	Stop()                          // graceful shutdown
	Name() string                   // "stdin", "tcp", "otlp"
}

// Sink accepts lines for the inbox. duckdb.InboxBuffer implements it.
type Sink interface {
	Add(line model.IngestLine)
}

// Pump forwards every line of src into sink until the source's channel is
// closed, and returns the number of lines forwarded.
func Pump(src LogSource, sink Sink) int {
	n := 0
	for line := range src.Lines() {
		if line.Source == "" {
			line.Source = src.Name()
		}
		sink.Add(line)
		n++
	}
	log.Printf("logsource: %s closed after %d lines", src.Name(), n)
	return n
}
