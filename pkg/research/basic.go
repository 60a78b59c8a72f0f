package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/pkg/errors"
)

// Input keys read by the input steps.
const (
	DetailsField      = "details"
	OutputFormatField = "output_format"
)

const (
	reviewDetailsPrompt = "Edit the research details or the topic if needed. Leave empty to keep the suggestion."
	chooseFormatPrompt  = "Choose an output format"
)

func (w *Workflow) askDetailsStep() service.Step {
	return service.Step{
		Name:        StepAskDetails,
		Description: "Suggest research details",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			c, err := w.complete(ctx,
				Message{Role: "system", Content: "You are a research assistant."},
				user(fmt.Sprintf("Ask the user 3-5 key questions about the topic %q that would help you research it well.", sess.Topic)),
			)
			if err != nil {
				return service.StepOutput{}, err
			}
			return w.output(strings.TrimSpace(c.Text), c, ""), nil
		},
	}
}

// userReviewDetailsStep falls back to the suggested details when the user sends none.
func userReviewDetailsStep() service.Step {
	return service.Step{
		Name:          StepUserReviewDetails,
		Description:   "Review research details",
		RequiresInput: true,
		Prompt: func(sess models.Session) (models.InterruptPrompt, error) {
			question, err := service.RequireTask(sess, StepAskDetails)
			if err != nil {
				return models.InterruptPrompt{}, err
			}
			return models.InterruptPrompt{Field: DetailsField, Question: question, Prompt: reviewDetailsPrompt}, nil
		},
		Input: func(sess models.Session, in service.Input) (service.StepOutput, error) {
			if details := strings.TrimSpace(in[DetailsField]); details != "" {
				return service.StepOutput{Result: details}, nil
			}
			suggested, err := service.RequireTask(sess, StepAskDetails)
			if err != nil {
				return service.StepOutput{}, err
			}
			return service.StepOutput{Result: suggested, Note: "kept suggested details"}, nil
		},
	}
}

func (w *Workflow) buildQueryStep() service.Step {
	return service.Step{
		Name:        StepBuildQuery,
		Description: "Build search keywords",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			details, err := service.RequireTask(sess, StepUserReviewDetails)
			if err != nil {
				return service.StepOutput{}, err
			}
			c, err := w.complete(ctx, user(fmt.Sprintf(
				"Based on the research topic %q and the details %q, produce 3-5 English keywords suitable for academic search. "+
					"Return only the keywords separated by commas.", sess.Topic, details)))
			if err != nil {
				return service.StepOutput{}, err
			}
			keywords := splitKeywords(c.Text, w.cfg.MaxKeywords)
			if len(keywords) == 0 {
				return service.StepOutput{}, errors.New("llm returned no keywords")
			}
			return w.output(strings.Join(keywords, ", "), c, fmt.Sprintf("%d keywords", len(keywords))), nil
		},
	}
}

// userChooseFormatStep defaults to the deep report format when none is chosen.
func userChooseFormatStep() service.Step {
	options := make([]string, 0, len(models.OutputFormats()))
	for _, f := range models.OutputFormats() {
		options = append(options, string(f))
	}
	return service.Step{
		Name:          StepUserChooseFormat,
		Description:   "Choose output format",
		RequiresInput: true,
		Prompt: func(sess models.Session) (models.InterruptPrompt, error) {
			query, err := service.RequireTask(sess, StepBuildQuery)
			if err != nil {
				return models.InterruptPrompt{}, err
			}
			return models.InterruptPrompt{Field: OutputFormatField, Query: query, Prompt: chooseFormatPrompt, Options: options}, nil
		},
		Input: func(sess models.Session, in service.Input) (service.StepOutput, error) {
			format, err := models.ParseOutputFormat(strings.TrimSpace(in[OutputFormatField]))
			if err != nil {
				return service.StepOutput{}, errors.Wrap(service.ErrInvalidInput, err.Error())
			}
			return service.StepOutput{Result: string(format), OutputFormat: &format}, nil
		},
	}
}

// searchStep runs one search per keyword and keeps the first hit for every URL.
func (w *Workflow) searchStep() service.Step {
	return service.Step{
		Name:        StepSearch,
		Description: "Search the web",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			query, err := service.RequireTask(sess, StepBuildQuery)
			if err != nil {
				return service.StepOutput{}, err
			}
			keywords := splitKeywords(query, w.cfg.MaxKeywords)
			seen := make(map[string]bool)
			results := make([]SearchResult, 0, len(keywords)*w.cfg.ResultsPerKeyword)
			for _, keyword := range keywords {
				hits, err := w.search.Search(ctx, keyword)
				if err != nil {
					return service.StepOutput{}, errors.Wrapf(err, "search %q", keyword)
				}
				if len(hits) > w.cfg.ResultsPerKeyword {
					hits = hits[:w.cfg.ResultsPerKeyword]
				}
				for _, hit := range hits {
					if hit.URL == "" || seen[hit.URL] {
						continue
					}
					seen[hit.URL] = true
					hit.Keyword = keyword
					results = append(results, hit)
				}
			}
			data, err := json.Marshal(results)
			if err != nil {
				return service.StepOutput{}, err
			}
			return service.StepOutput{
				Result: string(data),
				Note:   fmt.Sprintf("%d results for %d keywords", len(results), len(keywords)),
			}, nil
		},
	}
}

func (w *Workflow) writeReportStep() service.Step {
	return service.Step{
		Name:        StepWriteReport,
		Description: "Write research report",
		Terminal:    true,
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			details, err := service.RequireTask(sess, StepUserReviewDetails)
			if err != nil {
				return service.StepOutput{}, err
			}
			raw, err := service.RequireTask(sess, StepSearch)
			if err != nil {
				return service.StepOutput{}, err
			}
			var results []SearchResult
			if err := json.Unmarshal([]byte(raw), &results); err != nil {
				return service.StepOutput{}, errors.Wrap(err, "decode search results")
			}

			var sources strings.Builder
			for _, r := range results {
				fmt.Fprintf(&sources, "%s\n%s\n%s\n\n", r.Title, r.URL, r.Content)
			}
			prompt := fmt.Sprintf("Write a research report from the information below.\n\n"+
				"Topic: %s\nDetails: %s\nSearch results:\n%s\n"+
				"Requirements:\n%s\n- Summarise the current state, trends and open directions",
				sess.Topic, details, sources.String(), formatInstructions(sess.OutputFormat))

			c, err := w.complete(ctx, user(prompt))
			if err != nil {
				return service.StepOutput{}, err
			}
			report := strings.TrimSpace(c.Text)
			return w.output(report, c, fmt.Sprintf("report of %d characters from %d sources", len(report), len(results))), nil
		},
	}
}

func formatInstructions(f models.OutputFormat) string {
	switch f {
	case models.DirectAnswerFormat:
		return "- Answer directly and concisely in a few paragraphs"
	case models.StructuredOutputFormat:
		return "- Use Markdown headings and bullet lists so every finding is easy to scan"
	default:
		return "- Write an in-depth Markdown report with an introduction, sections and a conclusion"
	}
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])?\s*`)

// splitKeywords accepts comma, semicolon or newline separated keywords, drops list
// markers and duplicates, and keeps at most limit entries.
func splitKeywords(s string, limit int) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '，'
	})
	seen := make(map[string]bool)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = listMarker.ReplaceAllString(f, "")
		f = strings.TrimSpace(strings.Trim(f, `"'`))
		key := strings.ToLower(f)
		if f == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
