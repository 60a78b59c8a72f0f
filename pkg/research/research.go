// Package research defines the concrete research workflow: the ordered step
// lists and the handlers that talk to the LLM, search and extraction backends.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/ignatij/goresearch/pkg/service"
)

// Message is a single chat message sent to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the text and usage reported by the LLM for one call.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// LLM must surface provider failures as errors, never as empty text.
type LLM interface {
	Complete(ctx context.Context, model string, messages []Message) (Completion, error)
}

// SearchResult is one hit returned by the search backend.
type SearchResult struct {
	Keyword string `json:"keyword"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Searcher returns an empty slice (not an error) when retries ran out on empty results.
type Searcher interface {
	Search(ctx context.Context, keyword string) ([]SearchResult, error)
}

// Page is the readable content of a scraped web page.
type Page struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// Extractor fails on navigation or timeout errors.
type Extractor interface {
	Scrape(ctx context.Context, url string) (Page, error)
}

// Variant selects one of the supported step lists.
type Variant string

const (
	BasicVariant Variant = "basic"
	DeepVariant  Variant = "deep"
)

// ParseVariant validates a configured variant name. Empty input selects basic.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case "", BasicVariant:
		return BasicVariant, nil
	case DeepVariant:
		return DeepVariant, nil
	}
	return "", fmt.Errorf("unknown workflow variant %q (want %q or %q)", s, BasicVariant, DeepVariant)
}

// Step names. They are persisted as task record names and must never change.
const (
	StepAskDetails        = "askDetails"
	StepUserReviewDetails = "userReviewDetails"
	StepBuildQuery        = "buildQuery"
	StepUserChooseFormat  = "userChooseFormat"
	StepSearch            = "search"
	StepWriteReport       = "writeReport"
	StepExtractContent    = "extractContent"
	StepCoarseRead        = "coarseRead"
	StepCraftOutline      = "craftOutline"
	StepFillOutline       = "fillOutline"
	StepGenerateCharts    = "generateCharts"
	StepAssembleReport    = "assembleReport"
)

// Config tunes the step handlers.
type Config struct {
	Model             string
	MaxKeywords       int           // keywords searched per session
	ResultsPerKeyword int           // hits kept per keyword
	MaxPages          int           // pages scraped by extractContent
	ScrapeConcurrency int           // parallel scrapes
	SectionInterval   time.Duration // minimum gap between fillOutline LLM calls
	PreviewLimit      int           // runes of scraped text shown to coarseRead
}

func DefaultConfig() Config {
	return Config{
		Model:             "deepseek-v3.1",
		MaxKeywords:       5,
		ResultsPerKeyword: 3,
		MaxPages:          5,
		ScrapeConcurrency: 3,
		SectionInterval:   800 * time.Millisecond,
		PreviewLimit:      8000,
	}
}

// Workflow holds the collaborators every step handler uses.
type Workflow struct {
	llm     LLM
	search  Searcher
	extract Extractor
	cfg     Config
}

// NewWorkflow wires the collaborators. Zero config fields fall back to DefaultConfig.
func NewWorkflow(llm LLM, search Searcher, extract Extractor, cfg Config) *Workflow {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = def.MaxKeywords
	}
	if cfg.ResultsPerKeyword <= 0 {
		cfg.ResultsPerKeyword = def.ResultsPerKeyword
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.ScrapeConcurrency <= 0 {
		cfg.ScrapeConcurrency = def.ScrapeConcurrency
	}
	if cfg.SectionInterval < 0 {
		cfg.SectionInterval = 0
	}
	if cfg.PreviewLimit <= 0 {
		cfg.PreviewLimit = def.PreviewLimit
	}
	return &Workflow{llm: llm, search: search, extract: extract, cfg: cfg}
}

// Steps returns the ordered step list of the variant.
func (w *Workflow) Steps(v Variant) ([]service.Step, error) {
	switch v {
	case BasicVariant:
		if w.llm == nil || w.search == nil {
			return nil, fmt.Errorf("basic workflow needs an LLM and a searcher")
		}
		return append(w.planningSteps(), w.searchStep(), w.writeReportStep()), nil
	case DeepVariant:
		if w.llm == nil || w.search == nil || w.extract == nil {
			return nil, fmt.Errorf("deep workflow needs an LLM, a searcher and an extractor")
		}
		return append(w.planningSteps(),
			w.searchStep(),
			w.extractContentStep(),
			w.coarseReadStep(),
			w.craftOutlineStep(),
			w.fillOutlineStep(),
			w.generateChartsStep(),
			w.assembleReportStep(),
		), nil
	}
	return nil, fmt.Errorf("unknown workflow variant %q", v)
}

// Registry builds the validated step registry of the variant.
func (w *Workflow) Registry(v Variant) (*service.Registry, error) {
	steps, err := w.Steps(v)
	if err != nil {
		return nil, err
	}
	return service.NewRegistry(steps...)
}

// planningSteps are shared by every variant: clarify, review, build query, pick a format.
func (w *Workflow) planningSteps() []service.Step {
	return []service.Step{
		w.askDetailsStep(),
		userReviewDetailsStep(),
		w.buildQueryStep(),
		userChooseFormatStep(),
	}
}

func (w *Workflow) complete(ctx context.Context, messages ...Message) (Completion, error) {
	return w.llm.Complete(ctx, w.cfg.Model, messages)
}

func (w *Workflow) output(result string, c Completion, note string) service.StepOutput {
	return service.StepOutput{
		Result:       result,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		Model:        w.cfg.Model,
		Note:         note,
	}
}

func user(content string) Message {
	return Message{Role: "user", Content: content}
}
