package research

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CoarseNotes is the skim-reading summary produced by coarseRead.
type CoarseNotes struct {
	Topics            []string       `json:"topics"`
	MainFindings      []string       `json:"main_findings"`
	EvidenceRefs      []SourceRef    `json:"evidence_refs"`
	NumericCandidates []NumericDatum `json:"numeric_candidates"`
	ReadingNotes      []string       `json:"reading_notes"`
}

type SourceRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// NumericDatum is a quantifiable data point worth charting.
type NumericDatum struct {
	Label string          `json:"label"`
	Value json.RawMessage `json:"value"`
	Unit  string          `json:"unit,omitempty"`
	Hint  string          `json:"hint,omitempty"`
}

// Outline is the report structure produced by craftOutline.
type Outline struct {
	Title        string           `json:"title"`
	Structure    []OutlineSection `json:"structure"`
	WritingStyle string           `json:"writing_style"`
	RawOutline   string           `json:"raw_outline,omitempty"` // unparsed LLM answer when decoding failed
}

type OutlineSection struct {
	ID               string      `json:"id"`
	Heading          string      `json:"heading"`
	Purpose          string      `json:"purpose"`
	KeyPoints        []string    `json:"key_points"`
	PreferredSources []SourceRef `json:"preferred_sources,omitempty"`
}

// FilledSection is one outline section written out by fillOutline.
type FilledSection struct {
	ID      string `json:"id"`
	Heading string `json:"heading"`
	Purpose string `json:"purpose,omitempty"`
	Content string `json:"content"`
}

// Chart is an ECharts option object suggested by generateCharts.
type Chart struct {
	ChartID     string          `json:"chartId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
}

const rawFallbackRunes = 500

var codeFence = regexp.MustCompile("```(?:json)?")

// decodeJSON strips Markdown code fences before decoding an LLM answer.
func decodeJSON(raw string, v interface{}) error {
	return json.Unmarshal([]byte(strings.TrimSpace(codeFence.ReplaceAllString(raw, ""))), v)
}

func encodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeTask decodes the JSON result of an upstream step.
func decodeTask(sess models.Session, step string, v interface{}) error {
	raw, err := service.RequireTask(sess, step)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.Wrapf(err, "decode result of step '%s'", step)
	}
	return nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// extractContentStep scrapes the search hits concurrently. Pages that fail to load
// are left out; the step only fails when the context is cancelled.
func (w *Workflow) extractContentStep() service.Step {
	return service.Step{
		Name:        StepExtractContent,
		Description: "Extract page content",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			var hits []SearchResult
			if err := decodeTask(sess, StepSearch, &hits); err != nil {
				return service.StepOutput{}, err
			}
			if len(hits) > w.cfg.MaxPages {
				hits = hits[:w.cfg.MaxPages]
			}

			pages := make([]*Page, len(hits))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(w.cfg.ScrapeConcurrency)
			for i, hit := range hits {
				g.Go(func() error {
					page, err := w.extract.Scrape(gctx, hit.URL)
					if err != nil {
						if gctx.Err() != nil {
							return gctx.Err()
						}
						return nil
					}
					if page.URL == "" {
						page.URL = hit.URL
					}
					pages[i] = &page
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return service.StepOutput{}, err
			}

			extracted := make([]Page, 0, len(pages))
			for _, p := range pages {
				if p != nil && strings.TrimSpace(p.Content) != "" {
					extracted = append(extracted, *p)
				}
			}
			result, err := encodeJSON(extracted)
			if err != nil {
				return service.StepOutput{}, err
			}
			return service.StepOutput{
				Result: result,
				Note:   fmt.Sprintf("extracted %d of %d pages", len(extracted), len(hits)),
			}, nil
		},
	}
}

// coarseReadStep records empty notes when nothing was extracted and keeps the raw
// answer as a reading note when the LLM does not return valid JSON.
func (w *Workflow) coarseReadStep() service.Step {
	return service.Step{
		Name:        StepCoarseRead,
		Description: "Skim sources",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			var pages []Page
			if err := decodeTask(sess, StepExtractContent, &pages); err != nil {
				return service.StepOutput{}, err
			}
			if len(pages) == 0 {
				result, err := encodeJSON(emptyNotes("no content available"))
				if err != nil {
					return service.StepOutput{}, err
				}
				return service.StepOutput{Result: result, Note: "no extracted content, skipped"}, nil
			}

			previews := make([]string, 0, len(pages))
			for _, p := range pages {
				previews = append(previews, fmt.Sprintf("Title: %s\nContent: %s\nURL: %s", p.Title, p.Content, p.URL))
			}
			material := clip(strings.Join(previews, "\n\n---\n\n"), w.cfg.PreviewLimit)

			c, err := w.complete(ctx, user("You are skim-reading the material below. Return a JSON object with:\n"+
				"1) topics: up to 5 key themes or keywords\n"+
				"2) main_findings: 3-8 short main arguments or conclusions\n"+
				"3) evidence_refs: up to 10 citable sources as {title, url}\n"+
				"4) numeric_candidates: quantifiable data points as {label, value, unit, hint}\n"+
				"5) reading_notes: 3-5 short notes for the writing phase\n\n"+
				"Return only valid JSON with no other text.\n\nMaterial:\n"+material))
			if err != nil {
				return service.StepOutput{}, err
			}

			notes := CoarseNotes{}
			if err := decodeJSON(c.Text, &notes); err != nil {
				notes = emptyNotes(clip(strings.TrimSpace(c.Text), rawFallbackRunes))
			}
			result, err := encodeJSON(notes)
			if err != nil {
				return service.StepOutput{}, err
			}
			return w.output(result, c, fmt.Sprintf("%d topics, %d findings", len(notes.Topics), len(notes.MainFindings))), nil
		},
	}
}

func emptyNotes(note string) CoarseNotes {
	return CoarseNotes{
		Topics:            []string{},
		MainFindings:      []string{},
		EvidenceRefs:      []SourceRef{},
		NumericCandidates: []NumericDatum{},
		ReadingNotes:      []string{note},
	}
}

// craftOutlineStep falls back to an empty outline carrying the raw answer.
func (w *Workflow) craftOutlineStep() service.Step {
	return service.Step{
		Name:        StepCraftOutline,
		Description: "Draft report outline",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			details, err := service.RequireTask(sess, StepUserReviewDetails)
			if err != nil {
				return service.StepOutput{}, err
			}
			coarse, err := service.RequireTask(sess, StepCoarseRead)
			if err != nil {
				return service.StepOutput{}, err
			}

			c, err := w.complete(ctx, user(fmt.Sprintf("Design the outline of a research report on %q.\n\n"+
				"User details: %s\n\nSkim-reading notes (JSON):\n%s\n\n"+
				"Return a JSON object of the form\n"+
				`{"title": "...", "structure": [{"id": "sec1", "heading": "...", "purpose": "...", "key_points": ["..."], "preferred_sources": [{"title": "...", "url": "..."}]}], "writing_style": "..."}`+
				"\n\nRequirements:\n- 3-6 sections\n- 2-4 key_points per section\n"+
				"- mention a suitable chart type where numeric_candidates fit a section\n"+
				"- return only valid JSON with no other text", sess.Topic, details, coarse)))
			if err != nil {
				return service.StepOutput{}, err
			}

			var outline Outline
			if err := decodeJSON(c.Text, &outline); err != nil {
				outline = Outline{
					Title:        fmt.Sprintf("Research report on %s", sess.Topic),
					Structure:    []OutlineSection{},
					WritingStyle: "concise",
					RawOutline:   clip(strings.TrimSpace(c.Text), rawFallbackRunes),
				}
			}
			result, err := encodeJSON(outline)
			if err != nil {
				return service.StepOutput{}, err
			}
			return w.output(result, c, fmt.Sprintf("%d sections, title %q", len(outline.Structure), outline.Title)), nil
		},
	}
}

// fillOutlineStep writes every section with one LLM call, throttled by SectionInterval.
func (w *Workflow) fillOutlineStep() service.Step {
	return service.Step{
		Name:        StepFillOutline,
		Description: "Write report sections",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			var outline Outline
			if err := decodeTask(sess, StepCraftOutline, &outline); err != nil {
				return service.StepOutput{}, err
			}
			var pages []Page
			if err := decodeTask(sess, StepExtractContent, &pages); err != nil {
				return service.StepOutput{}, err
			}
			if len(outline.Structure) == 0 {
				return service.StepOutput{Result: "[]", Note: "no outline sections, skipped"}, nil
			}

			evidence := make([]string, 0, len(pages))
			for _, p := range pages {
				evidence = append(evidence, fmt.Sprintf("[Title] %s\n[Summary] %s\n[Source] %s", p.Title, clip(p.Content, 800), p.URL))
			}
			pool := strings.Join(evidence, "\n\n---\n\n")

			limit := rate.Inf
			if w.cfg.SectionInterval > 0 {
				limit = rate.Every(w.cfg.SectionInterval)
			}
			limiter := rate.NewLimiter(limit, 1)

			var total Completion
			sections := make([]FilledSection, 0, len(outline.Structure))
			for _, sec := range outline.Structure {
				if err := limiter.Wait(ctx); err != nil {
					return service.StepOutput{}, err
				}
				purpose := sec.Purpose
				if purpose == "" {
					purpose = "not specified"
				}
				keyPoints, err := json.Marshal(sec.KeyPoints)
				if err != nil {
					return service.StepOutput{}, err
				}
				c, err := w.complete(ctx, user(fmt.Sprintf("Using the evidence pool and key points below, write 2-3 paragraphs for the report section %q.\n\n"+
					"Section purpose: %s\n\nRequirements:\n"+
					"- rely strictly on the evidence pool, do not invent facts\n"+
					"- 150-250 words per paragraph\n"+
					"- end each paragraph with [Source: title] naming its main evidence\n"+
					"- Markdown, blank line between paragraphs\n\n"+
					"Evidence pool:\n%s\n\nKey points:\n%s", sec.Heading, purpose, pool, keyPoints)))
				if err != nil {
					return service.StepOutput{}, errors.Wrapf(err, "section %q", sec.Heading)
				}
				total.InputTokens += c.InputTokens
				total.OutputTokens += c.OutputTokens

				id := sec.ID
				if id == "" {
					id = sec.Heading
				}
				sections = append(sections, FilledSection{
					ID:      id,
					Heading: sec.Heading,
					Purpose: sec.Purpose,
					Content: strings.TrimSpace(c.Text),
				})
			}
			result, err := encodeJSON(sections)
			if err != nil {
				return service.StepOutput{}, err
			}
			return w.output(result, total, fmt.Sprintf("filled %d sections", len(sections))), nil
		},
	}
}

// generateChartsStep returns no charts when there is nothing numeric or the answer
// is not a JSON array.
func (w *Workflow) generateChartsStep() service.Step {
	return service.Step{
		Name:        StepGenerateCharts,
		Description: "Generate charts",
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			var notes CoarseNotes
			if err := decodeTask(sess, StepCoarseRead, &notes); err != nil {
				return service.StepOutput{}, err
			}
			if len(notes.NumericCandidates) == 0 {
				return service.StepOutput{Result: "[]", Note: "no numeric data, skipped"}, nil
			}

			lines := make([]string, 0, len(notes.NumericCandidates))
			for i, d := range notes.NumericCandidates {
				value := strings.Trim(string(d.Value), `"`)
				if value == "" || value == "null" {
					value = "N/A"
				}
				lines = append(lines, fmt.Sprintf("%d. %s: %s %s (%s)", i+1, d.Label, value, d.Unit, d.Hint))
			}

			c, err := w.complete(ctx, user("You are a data visualisation expert. Produce ECharts options for the data below.\n\n"+
				"Data:\n"+strings.Join(lines, "\n")+"\n\n"+
				"Requirements:\n- one chart per group of related data\n"+
				"- line for trends, bar for comparisons, pie for shares, scatter for correlations\n"+
				"- include title, tooltip, legend, xAxis, yAxis and series\n\n"+
				`Return only a JSON array: [{"chartId": "chart1", "title": "...", "description": "...", "config": {}}]`))
			if err != nil {
				return service.StepOutput{}, err
			}

			charts := []Chart{}
			if err := decodeJSON(c.Text, &charts); err != nil {
				charts = []Chart{}
			}
			result, err := encodeJSON(charts)
			if err != nil {
				return service.StepOutput{}, err
			}
			return w.output(result, c, fmt.Sprintf("generated %d charts", len(charts))), nil
		},
	}
}

// assembleReportStep merges the sections into the final Markdown report and adds
// a reference list and the charts when the LLM left them out.
func (w *Workflow) assembleReportStep() service.Step {
	return service.Step{
		Name:        StepAssembleReport,
		Description: "Assemble final report",
		Terminal:    true,
		Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
			details, err := service.RequireTask(sess, StepUserReviewDetails)
			if err != nil {
				return service.StepOutput{}, err
			}
			var outline Outline
			if err := decodeTask(sess, StepCraftOutline, &outline); err != nil {
				return service.StepOutput{}, err
			}
			var sections []FilledSection
			if err := decodeTask(sess, StepFillOutline, &sections); err != nil {
				return service.StepOutput{}, err
			}
			var notes CoarseNotes
			if err := decodeTask(sess, StepCoarseRead, &notes); err != nil {
				return service.StepOutput{}, err
			}
			var charts []Chart
			if err := decodeTask(sess, StepGenerateCharts, &charts); err != nil {
				return service.StepOutput{}, err
			}

			body := make([]string, 0, len(sections))
			for i, s := range sections {
				body = append(body, fmt.Sprintf("## %d. %s\n\n%s", i+1, s.Heading, s.Content))
			}
			title := outline.Title
			if title == "" {
				title = fmt.Sprintf("Research report on %s", sess.Topic)
			}
			style := outline.WritingStyle
			if style == "" {
				style = "concise and objective"
			}

			c, err := w.complete(ctx, user(fmt.Sprintf("Merge the sections below into one coherent Markdown research report.\n\n"+
				"Topic: %s\nUser details: %s\nSuggested title: %s\nWriting style: %s\n\nSections:\n%s\n\n"+
				"Requirements:\n- open with a 2-4 sentence introduction\n- keep the given section headings\n"+
				"- end with a \"## Conclusions and Recommendations\" section of 3-5 actionable items\n"+
				"- finish with a \"## References\" section\n- keep the existing source annotations\n\n"+
				"Output the complete Markdown report:", sess.Topic, details, title, style, strings.Join(body, "\n\n"))))
			if err != nil {
				return service.StepOutput{}, err
			}

			report := strings.TrimSpace(c.Text)
			if !strings.Contains(report, "## References") && len(notes.EvidenceRefs) > 0 {
				refs := notes.EvidenceRefs
				if len(refs) > 10 {
					refs = refs[:10]
				}
				var b strings.Builder
				b.WriteString("\n\n## References\n\n")
				for i, ref := range refs {
					refTitle, url := ref.Title, ref.URL
					if refTitle == "" {
						refTitle = "Untitled"
					}
					if url == "" {
						url = "#"
					}
					fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, refTitle, url)
				}
				report += strings.TrimRight(b.String(), "\n")
			}
			if len(charts) > 0 {
				var b strings.Builder
				b.WriteString("\n\n## Charts\n")
				for _, chart := range charts {
					fmt.Fprintf(&b, "\n### %s\n\n%s\n\n```echarts\n%s\n```\n", chart.Title, chart.Description, chart.Config)
				}
				report += strings.TrimRight(b.String(), "\n")
			}
			return w.output(report, c, fmt.Sprintf("final report of %d characters", len(report))), nil
		},
	}
}
