package enrich

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tinytelemetry/errtally/internal/metrics"
	"github.com/tinytelemetry/errtally/internal/model"
)

const (
	DefaultExplainModel       = openai.GPT4o
	DefaultExplainTemperature = 0.2

	explainFlushEvery = 10
	systemPrompt      = "You are a technical assistant. Find the cause of the error and give a clear fix."
)

// ChatCompleter is the part of the OpenAI client the explainer uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ExplainConfig configures the explanation job.
type ExplainConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	Temperature       float32
	MaxTokens         int
	RequestsPerMinute int
}

// Explainer asks a chat model how to fix unhandled error groups and stores
// the answer in the resolution note.
type Explainer struct {
	client      ChatCompleter
	model       string
	temperature float32
	maxTokens   int
	limiter     *rate.Limiter
}

// NewExplainer builds an explainer on the OpenAI API.
func NewExplainer(conf ExplainConfig) (*Explainer, error) {
	if conf.APIKey == "" {
		return nil, errors.New("enrich: openai api key is required")
	}
	oc := openai.DefaultConfig(conf.APIKey)
	if conf.BaseURL != "" {
		oc.BaseURL = conf.BaseURL
	}
	return newExplainer(openai.NewClientWithConfig(oc), conf), nil
}

func newExplainer(client ChatCompleter, conf ExplainConfig) *Explainer {
	e := &Explainer{
		client:      client,
		model:       conf.Model,
		temperature: conf.Temperature,
		maxTokens:   conf.MaxTokens,
		limiter:     rate.NewLimiter(rate.Inf, 1),
	}
	if e.model == "" {
		e.model = DefaultExplainModel
	}
	if e.temperature <= 0 {
		e.temperature = DefaultExplainTemperature
	}
	if conf.RequestsPerMinute > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(float64(conf.RequestsPerMinute)/60), 1)
	}
	return e
}

// Prompt builds the user prompt. With a code snippet the model is asked to
// fix the code, otherwise to explain the error.
func Prompt(pattern, code string) string {
	if strings.TrimSpace(code) != "" {
		return "Find and fix the error in the following code.\n\n" +
			"Error:\n" + pattern + "\n\n" +
			"Context (the error line with 20 lines before and after it):\n" + code + "\n\n" +
			"Describe how to fix the error: show the corrected code, or say so if the cause is not in the code."
	}
	return "Error:\n" + pattern + "\n\n" +
		"Explain how to fix it. If it comes from the code, say what to change; " +
		"if it comes from data or the environment, explain that too."
}

// Explain returns the model's answer for one error group.
func (e *Explainer) Explain(ctx context.Context, pattern, code string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: Prompt(pattern, code)},
		},
		Temperature: e.temperature,
	}
	if e.maxTokens > 0 {
		req.MaxCompletionTokens = e.maxTokens
	}
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("openai: empty answer")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Run explains every row whose status is unhandled, marking it handled.
// Answers are written in batches so a long job keeps its progress.
func (e *Explainer) Run(ctx context.Context, store model.GroupStore) (Result, error) {
	recs, err := candidates(ctx, store, func(r model.GroupRecord) bool {
		return isUnhandled(r.Status)
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Candidates: len(recs)}

	pending := make(map[string]func([]string) bool)
	flush := func() error {
		n, err := applyByPattern(ctx, store, pending)
		res.Written += n
		pending = make(map[string]func([]string) bool)
		return err
	}

	for _, rec := range recs {
		if err := e.limiter.Wait(ctx); err != nil {
			return res, err
		}
		answer, err := e.Explain(ctx, rec.Pattern, rec.DiagnosticCode)
		metrics.ObserveEnrichment("explain", err)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			log.Printf("enrich: explain %.80q: %v", rec.Pattern, err)
			continue
		}
		pending[rec.Pattern] = func(cells []string) bool {
			if !isUnhandled(cells[model.ColStatus]) {
				return false
			}
			cells[model.ColResolutionNote] = answer
			cells[model.ColStatus] = model.StatusHandled
			return true
		}
		if len(pending) >= explainFlushEvery {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	return res, flush()
}

func isUnhandled(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), model.StatusUnhandled)
}
