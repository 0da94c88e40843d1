// Package otlpreceiver accepts OTLP/gRPC log exports and feeds their
// error records into the inbox.
package otlpreceiver

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/tinytelemetry/errtally/internal/model"
)

const (
	// DefaultAddr is the standard OTLP/gRPC port on localhost.
	DefaultAddr = "127.0.0.1:4317"

	// DefaultBufferSize is the default buffer size for received messages.
	DefaultBufferSize = 50_000
)

// Config holds tunable parameters for the receiver.
type Config struct {
	Addr       string
	BufferSize int

	// MinSeverity drops records below it. Records without a severity are
	// always kept. Defaults to ERROR.
	MinSeverity logspb.SeverityNumber
}

// Receiver is an OTLP LogsService that emits one inbox message per log
// record. It implements logsource.LogSource.
type Receiver struct {
	collogspb.UnimplementedLogsServiceServer

	addr        string
	minSeverity logspb.SeverityNumber
	grpcServer  *grpc.Server
	listener    net.Listener
	ch          chan model.IngestLine
	ctx         context.Context
	cancel      context.CancelFunc
	stopOnce    sync.Once
}

// New creates a receiver. Call Start to begin serving.
func New(conf ...Config) *Receiver {
	addr := DefaultAddr
	bufferSize := DefaultBufferSize
	minSeverity := logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	if len(conf) > 0 {
		if conf[0].Addr != "" {
			addr = conf[0].Addr
		}
		if conf[0].BufferSize > 0 {
			bufferSize = conf[0].BufferSize
		}
		if conf[0].MinSeverity != logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED {
			minSeverity = conf[0].MinSeverity
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		addr:        addr,
		minSeverity: minSeverity,
		ch:          make(chan model.IngestLine, bufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	r.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	collogspb.RegisterLogsServiceServer(r.grpcServer, r)
	grpc_prometheus.Register(r.grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(r.grpcServer, healthSrv)
	return r
}

// Start listens on the configured address and serves in the background.
func (r *Receiver) Start() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("otlpreceiver: listen on %s: %w", r.addr, err)
	}
	r.listener = lis
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Printf("otlpreceiver: serve: %v", err)
		}
	}()
	return nil
}

// Export converts each accepted log record into an inbox message.
func (r *Receiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	for _, rl := range req.GetResourceLogs() {
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				line, ok := r.convert(rec)
				if !ok {
					continue
				}
				select {
				case r.ch <- line:
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-r.ctx.Done():
					return nil, fmt.Errorf("otlpreceiver: shutting down")
				}
			}
		}
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}

func (r *Receiver) convert(rec *logspb.LogRecord) (model.IngestLine, bool) {
	sev := rec.GetSeverityNumber()
	if sev != logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED && sev < r.minSeverity {
		return model.IngestLine{}, false
	}
	text := strings.TrimSpace(bodyText(rec.GetBody()))
	if text == "" {
		return model.IngestLine{}, false
	}
	if loc := codeLocation(rec.GetAttributes()); loc != "" && !strings.Contains(text, loc) {
		text += " in " + loc
	}

	ts := rec.GetTimeUnixNano()
	if ts == 0 {
		ts = rec.GetObservedTimeUnixNano()
	}
	received := time.Now().UTC()
	if ts != 0 {
		received = time.Unix(0, int64(ts)).UTC()
	}
	return model.IngestLine{ReceivedAt: received, Source: "otlp", Text: text}, true
}

func bodyText(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	if s, ok := v.GetValue().(*commonpb.AnyValue_StringValue); ok {
		return s.StringValue
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// codeLocation renders the code.filepath and code.lineno attributes as
// "path:line", the shape address extraction looks for.
func codeLocation(attrs []*commonpb.KeyValue) string {
	var path, line string
	for _, kv := range attrs {
		switch kv.GetKey() {
		case "code.filepath", "code.file.path":
			path = kv.GetValue().GetStringValue()
		case "code.lineno", "code.line.number":
			if n := kv.GetValue().GetIntValue(); n > 0 {
				line = strconv.FormatInt(n, 10)
			}
		}
	}
	if path == "" || line == "" {
		return ""
	}
	return path + ":" + line
}

func (r *Receiver) Lines() <-chan model.IngestLine { return r.ch }
func (r *Receiver) Name() string                   { return "otlp" }

// Stop shuts the gRPC server down and closes the lines channel.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.grpcServer.GracefulStop()
		close(r.ch)
	})
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (r *Receiver) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}
