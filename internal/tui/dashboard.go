package tui

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/httpserver"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/pipeline"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
)

// API is the part of the errtally HTTP API the dashboard reads from.
// *httpserver.Client implements it.
type API interface {
	Groups(ctx context.Context, status string) ([]httpserver.GroupView, error)
	Digest(ctx context.Context) (enrich.Digest, error)
	Stats(ctx context.Context) (httpserver.StatsView, error)
	Run(ctx context.Context) (pipeline.Summary, error)
}

// Config controls how often the dashboard polls the service.
type Config struct {
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
}

var statusFilters = []string{"", model.StatusUnhandled, model.StatusHandled}

type dataLoadedMsg struct {
	groups []httpserver.GroupView
	digest enrich.Digest
	stats  *httpserver.StatsView
	at     time.Time
	seq    int
	err    error
}

type runFinishedMsg struct {
	summary pipeline.Summary
	err     error
}

type refreshTickMsg struct{}

// dashboard is the state shared by all pages.
type dashboard struct {
	api     API
	conf    Config
	keys    KeyMap
	help    help.Model
	spinner spinner.Model

	started      bool
	statusFilter int
	seq          int
	loading      bool
	running      bool

	version  int // bumped on every successful load
	groups   []httpserver.GroupView
	digest   enrich.Digest
	stats    *httpserver.StatsView
	loadedAt time.Time
	lastRun  *pipeline.Summary
	err      error
}

func newDashboard(api API, conf Config) *dashboard {
	if conf.RefreshInterval == 0 {
		conf.RefreshInterval = DefaultRefreshInterval
	}
	if conf.RequestTimeout <= 0 {
		conf.RequestTimeout = DefaultRequestTimeout
	}
	return &dashboard{
		api:     api,
		conf:    conf,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (d *dashboard) status() string {
	return statusFilters[d.statusFilter]
}

// init starts polling once, whichever page is shown first.
func (d *dashboard) init() tea.Cmd {
	if d.started {
		return nil
	}
	d.started = true
	return tea.Batch(d.load(), d.tick())
}

func (d *dashboard) load() tea.Cmd {
	d.loading = true
	d.seq++
	api, status, timeout, seq := d.api, d.status(), d.conf.RequestTimeout, d.seq
	fetch := func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg := dataLoadedMsg{at: time.Now(), seq: seq}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			msg.groups, err = api.Groups(gctx, status)
			return err
		})
		g.Go(func() error {
			var err error
			msg.digest, err = api.Digest(gctx)
			return err
		})
		g.Go(func() error {
			stats, err := api.Stats(gctx)
			var apiErr *httpserver.APIError
			switch {
			case err == nil:
				msg.stats = &stats
			case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
				// Sheets-backed services have no stats.
			default:
				return err
			}
			return nil
		})
		msg.err = g.Wait()
		return msg
	}
	return tea.Batch(fetch, d.spinner.Tick)
}

func (d *dashboard) run() tea.Cmd {
	if d.running {
		return nil
	}
	d.running = true
	api := d.api
	trigger := func() tea.Msg {
		sum, err := api.Run(context.Background())
		return runFinishedMsg{summary: sum, err: err}
	}
	return tea.Batch(trigger, d.spinner.Tick)
}

func (d *dashboard) tick() tea.Cmd {
	if d.conf.RefreshInterval < 0 {
		return nil
	}
	return tea.Tick(d.conf.RefreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

// handle processes the messages every page reacts to the same way. It
// reports whether msg was consumed.
func (d *dashboard) handle(msg tea.Msg) (tea.Cmd, bool) {
	switch msg := msg.(type) {
	case dataLoadedMsg:
		if msg.seq != d.seq {
			// Superseded by a later load, e.g. after a filter change.
			return nil, true
		}
		d.loading = false
		d.err = msg.err
		if msg.err == nil {
			d.groups = msg.groups
			d.digest = msg.digest
			d.stats = msg.stats
			d.loadedAt = msg.at
			d.version++
		}
		return nil, false

	case runFinishedMsg:
		d.running = false
		if msg.err != nil {
			d.err = msg.err
			return nil, true
		}
		d.lastRun = &msg.summary
		d.err = nil
		return d.load(), true

	case refreshTickMsg:
		cmds := []tea.Cmd{d.tick()}
		if !d.loading {
			cmds = append(cmds, d.load())
		}
		return tea.Batch(cmds...), true

	case spinner.TickMsg:
		if !d.loading && !d.running {
			return nil, true
		}
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return cmd, true

	case tea.WindowSizeMsg:
		d.help.Width = msg.Width
		return nil, false

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, d.keys.Quit), key.Matches(msg, d.keys.ForceQuit):
			return tea.Quit, true
		case key.Matches(msg, d.keys.Help):
			d.help.ShowAll = !d.help.ShowAll
			return nil, true
		case key.Matches(msg, d.keys.Refresh):
			if d.loading {
				return nil, true
			}
			return d.load(), true
		case key.Matches(msg, d.keys.Run):
			return d.run(), true
		case key.Matches(msg, d.keys.Status):
			d.statusFilter = (d.statusFilter + 1) % len(statusFilters)
			return d.load(), true
		}
	}
	return nil, false
}
