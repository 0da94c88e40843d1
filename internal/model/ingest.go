package model

import "time"

// IngestLine is one message received by a feeder (stdin, TCP, OTLP) on its
// way to the inbox. A zero ReceivedAt means "now" to the inbox writer.
type IngestLine struct {
	ReceivedAt time.Time
	Source     string
	Text       string
}
