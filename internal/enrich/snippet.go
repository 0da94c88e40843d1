package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/errtally/internal/metrics"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/retry"
)

const (
	DefaultBitbucketURL  = "https://api.bitbucket.org/2.0"
	DefaultBranch        = "master"
	DefaultSnippetLines  = 20
	defaultSnippetWorker = 4
	maxSourceSize        = 8 << 20
)

// SnippetConfig configures the Bitbucket snippet fetcher.
type SnippetConfig struct {
	BaseURL     string
	Repo        string // workspace/slug
	Branch      string
	Username    string
	AppPassword string

	// SourcePrefix maps an address path to its repository path,
	// e.g. "app/" for addresses relative to the app directory.
	SourcePrefix string

	// Context is the number of lines kept before and after the error line.
	Context           int
	Concurrency       int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// SnippetFetcher downloads source around an error address and stores it in
// the diagnostic code column.
type SnippetFetcher struct {
	cfg     SnippetConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewSnippetFetcher validates conf and applies defaults.
func NewSnippetFetcher(conf SnippetConfig) (*SnippetFetcher, error) {
	if conf.Repo == "" {
		return nil, errors.New("enrich: bitbucket repo is required")
	}
	if conf.BaseURL == "" {
		conf.BaseURL = DefaultBitbucketURL
	}
	conf.BaseURL = strings.TrimRight(conf.BaseURL, "/")
	if conf.Branch == "" {
		conf.Branch = DefaultBranch
	}
	if conf.Context <= 0 {
		conf.Context = DefaultSnippetLines
	}
	if conf.Concurrency <= 0 {
		conf.Concurrency = defaultSnippetWorker
	}
	limit := rate.Inf
	if conf.RequestsPerSecond > 0 {
		limit = rate.Limit(conf.RequestsPerSecond)
	}
	client := conf.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SnippetFetcher{cfg: conf, client: client, limiter: rate.NewLimiter(limit, 1)}, nil
}

// ParseAddress splits "path:line" into its parts.
func ParseAddress(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("address %q has no line", addr)
	}
	line, err := strconv.Atoi(addr[i+1:])
	if err != nil || line < 1 {
		return "", 0, fmt.Errorf("address %q has a bad line", addr)
	}
	return addr[:i], line, nil
}

// Excerpt returns the lines [line-1-n, line+n) of src, clamped to the file.
func Excerpt(src string, line, n int) string {
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	start := line - 1 - n
	if start < 0 {
		start = 0
	}
	end := line + n
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

// Fetch returns the snippet around addr.
func (f *SnippetFetcher) Fetch(ctx context.Context, addr string) (string, error) {
	path, line, err := ParseAddress(addr)
	if err != nil {
		return "", err
	}
	repoPath := strings.TrimLeft(f.cfg.SourcePrefix+path, "/")
	segments := strings.Split(repoPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := fmt.Sprintf("%s/repositories/%s/src/%s/%s", f.cfg.BaseURL, f.cfg.Repo, url.PathEscape(f.cfg.Branch), strings.Join(segments, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	if f.cfg.Username != "" {
		req.SetBasicAuth(f.cfg.Username, f.cfg.AppPassword)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bitbucket: get %s: %w", repoPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &retry.StatusError{Code: resp.StatusCode, Err: fmt.Errorf("bitbucket: get %s: %s", repoPath, resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceSize))
	if err != nil {
		return "", fmt.Errorf("bitbucket: read %s: %w", repoPath, err)
	}
	snippet := Excerpt(string(body), line, f.cfg.Context)
	if snippet == "" {
		return "", fmt.Errorf("bitbucket: %s has no line %d", repoPath, line)
	}
	return snippet, nil
}

// Run fills the diagnostic code of every row that has an address and no
// code yet. The first address of a row is used. Fetch failures are logged
// and counted; the job goes on with the other rows.
func (f *SnippetFetcher) Run(ctx context.Context, store model.GroupStore) (Result, error) {
	recs, err := candidates(ctx, store, func(r model.GroupRecord) bool {
		return len(r.Addresses) > 0 && strings.TrimSpace(r.DiagnosticCode) == ""
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Candidates: len(recs)}

	var mu sync.Mutex
	snippets := make(map[string]string)
	var g errgroup.Group
	g.SetLimit(f.cfg.Concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
			snippet, err := f.Fetch(ctx, rec.Addresses[0])
			metrics.ObserveEnrichment("snippet", err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				log.Printf("enrich: snippet for %s: %v", rec.Addresses[0], err)
				return nil
			}
			snippets[rec.Pattern] = snippet
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	edits := make(map[string]func([]string) bool, len(snippets))
	for pattern, snippet := range snippets {
		edits[pattern] = func(cells []string) bool {
			if strings.TrimSpace(cells[model.ColDiagnosticCode]) != "" {
				return false
			}
			cells[model.ColDiagnosticCode] = snippet
			return true
		}
	}
	res.Written, err = applyByPattern(ctx, store, edits)
	return res, err
}
