package logsource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/errtally/internal/model"
)

const (
	// DefaultStdinBuffer is the default channel buffer size for stdin messages.
	DefaultStdinBuffer = 50_000

	// DefaultStdinMaxLineSize is the default maximum size (in bytes) of a single stdin line.
	DefaultStdinMaxLineSize = 1024 * 1024 // 1MB
)

// StdinConfig holds tunable parameters for the stdin source.
type StdinConfig struct {
	BufferSize  int
	MaxLineSize int

	// Paragraphs groups consecutive non-blank lines into one message, so a
	// stack trace stays attached to its error line.
	Paragraphs bool
}

// StdinSource reads messages from stdin.
type StdinSource struct {
	ch       chan model.IngestLine
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewStdinSource creates a StdinSource that reads from stdin in a background goroutine.
func NewStdinSource(ctx context.Context, conf ...StdinConfig) *StdinSource {
	return newStdinSourceWithReader(ctx, os.Stdin, conf...)
}

func newStdinSourceWithReader(ctx context.Context, r io.Reader, conf ...StdinConfig) *StdinSource {
	bufferSize := DefaultStdinBuffer
	var c StdinConfig
	if len(conf) > 0 {
		c = conf[0]
		if c.BufferSize > 0 {
			bufferSize = c.BufferSize
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &StdinSource{
		ch:     make(chan model.IngestLine, bufferSize),
		cancel: cancel,
	}
	go s.read(ctx, r, c)
	return s
}

func (s *StdinSource) read(ctx context.Context, r io.Reader, c StdinConfig) {
	defer close(s.ch)

	// Scan in its own goroutine so a blocked read does not delay Stop.
	results := make(chan string)
	go func() {
		defer close(results)
		err := Split(r, c.Paragraphs, c.MaxLineSize, func(msg string) error {
			select {
			case results <- msg:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("logsource: stdin: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-results:
			if !ok {
				return
			}
			select {
			case s.ch <- model.IngestLine{ReceivedAt: time.Now().UTC(), Source: s.Name(), Text: msg}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *StdinSource) Lines() <-chan model.IngestLine { return s.ch }
func (s *StdinSource) Stop()                          { s.stopOnce.Do(s.cancel) }
func (s *StdinSource) Name() string                   { return "stdin" }

// Split reads r and calls fn once per message. Without paragraphs every
// non-blank line is a message; with paragraphs blank lines separate
// messages. A line longer than maxLineSize stops the scan with an error.
func Split(r io.Reader, paragraphs bool, maxLineSize int, fn func(msg string) error) error {
	if maxLineSize <= 0 {
		maxLineSize = DefaultStdinMaxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var para []string
	flush := func() error {
		if len(para) == 0 {
			return nil
		}
		msg := strings.Join(para, "\n")
		para = para[:0]
		return fn(msg)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if !paragraphs {
			if err := fn(line); err != nil {
				return err
			}
			continue
		}
		para = append(para, line)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return errors.New("line exceeded max size, stopping")
		}
		return err
	}
	return flush()
}
