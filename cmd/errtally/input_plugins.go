package main

import (
	"context"
	"fmt"
	"os"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/tinytelemetry/errtally/internal/logsource"
	"github.com/tinytelemetry/errtally/internal/otlpreceiver"
	"github.com/tinytelemetry/errtally/internal/tcpserver"
)

// NamedLogSource aliases the shared source abstraction to keep app-layer APIs explicit.
type NamedLogSource = logsource.LogSource

// InputSourcePlugin is a small plugin primitive for wiring inbox feeders.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (NamedLogSource, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled      bool
	TCPAddr         string
	OTLPEnabled     bool
	OTLPAddr        string
	OTLPMinSeverity logspb.SeverityNumber
	StdinParagraphs bool
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	return []InputSourcePlugin{
		tcpInputPlugin{addr: cfg.TCPAddr, enabled: cfg.TCPEnabled},
		otlpInputPlugin{addr: cfg.OTLPAddr, enabled: cfg.OTLPEnabled, minSeverity: cfg.OTLPMinSeverity},
		stdinInputPlugin{paragraphs: cfg.StdinParagraphs},
	}
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (NamedLogSource, error) {
	server := tcpserver.NewServer(p.addr)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return logsource.NewTCPSource(server), nil
}

type otlpInputPlugin struct {
	addr        string
	enabled     bool
	minSeverity logspb.SeverityNumber
}

func (p otlpInputPlugin) Name() string { return "otlp" }

func (p otlpInputPlugin) Enabled() bool { return p.enabled }

func (p otlpInputPlugin) Build(_ context.Context) (NamedLogSource, error) {
	r := otlpreceiver.New(otlpreceiver.Config{Addr: p.addr, MinSeverity: p.minSeverity})
	if err := r.Start(); err != nil {
		return nil, fmt.Errorf("start otlp receiver: %w", err)
	}
	return r, nil
}

type stdinInputPlugin struct {
	paragraphs bool
}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled reports whether stdin is piped rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (NamedLogSource, error) {
	return logsource.NewStdinSource(ctx, logsource.StdinConfig{Paragraphs: p.paragraphs}), nil
}
