package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tinytelemetry/errtally/internal/enrich"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/pipeline"
)

// enrichJob fills sticky columns of the group table.
type enrichJob struct {
	name string
	run  func(ctx context.Context, store model.GroupStore) (enrich.Result, error)
}

func newSnippetJob(cfg appConfig) (enrichJob, error) {
	f, err := enrich.NewSnippetFetcher(enrich.SnippetConfig{
		BaseURL:           cfg.BitbucketURL,
		Repo:              cfg.BitbucketRepo,
		Branch:            cfg.BitbucketBranch,
		Username:          cfg.BitbucketUsername,
		AppPassword:       cfg.BitbucketAppPassword,
		SourcePrefix:      cfg.SourcePrefix,
		Context:           cfg.BitbucketContext,
		Concurrency:       cfg.BitbucketConcurrency,
		RequestsPerSecond: cfg.BitbucketRPS,
	})
	if err != nil {
		return enrichJob{}, err
	}
	return enrichJob{name: "snippets", run: f.Run}, nil
}

func newExplainJob(cfg appConfig) (enrichJob, error) {
	e, err := enrich.NewExplainer(enrich.ExplainConfig{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.OpenAIBaseURL,
		Model:             cfg.OpenAIModel,
		Temperature:       float32(cfg.OpenAITemperature),
		MaxTokens:         cfg.OpenAIMaxTokens,
		RequestsPerMinute: cfg.OpenAIRequestsPerMinute,
	})
	if err != nil {
		return enrichJob{}, err
	}
	return enrichJob{name: "explain", run: e.Run}, nil
}

// enrichmentJobs returns the configured jobs in the order they should run:
// snippets first, so explanations can quote the code.
func enrichmentJobs(cfg appConfig) ([]enrichJob, error) {
	var jobs []enrichJob
	if cfg.BitbucketRepo != "" {
		job, err := newSnippetJob(cfg)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if cfg.OpenAIAPIKey != "" {
		job, err := newExplainJob(cfg)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobNames(jobs []enrichJob) []string {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.name
	}
	return names
}

// runJobs runs jobs in order under the run lock. It stops at the first
// failing job.
func runJobs(ctx context.Context, runner *pipeline.Runner, groups model.GroupStore, jobs []enrichJob) (map[string]enrich.Result, error) {
	results := make(map[string]enrich.Result, len(jobs))
	err := runner.Exclusive(ctx, func(ctx context.Context) error {
		for _, job := range jobs {
			res, err := job.run(ctx, groups)
			results[job.name] = res
			if err != nil {
				return fmt.Errorf("%s: %w", job.name, err)
			}
			log.Printf("enrich: %s candidates=%d written=%d failed=%d", job.name, res.Candidates, res.Written, res.Failed)
		}
		return nil
	})
	return results, err
}

// enrichEvery runs jobs once per interval until ctx is done.
func enrichEvery(ctx context.Context, runner *pipeline.Runner, groups model.GroupStore, jobs []enrichJob, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := runJobs(ctx, runner, groups, jobs)
			switch {
			case errors.Is(err, pipeline.ErrRunInProgress):
				log.Printf("enrich: skipping, a run is in progress")
			case err != nil && ctx.Err() == nil:
				log.Printf("enrich: %v", err)
			}
		}
	}
}
