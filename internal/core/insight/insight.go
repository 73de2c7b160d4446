package insight

import (
	"context"
	"fmt"
	"strings"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

// Input is either extracted text or, for scan-like documents, image data URIs
// for the vision path. Text wins when both are set.
type Input struct {
	Text      string
	ImageURIs []string
}

// Domain selects the classification prompt and valid category set.
type Domain string

const (
	DomainPartner Domain = "partner"
	DomainSelf    Domain = "self"
)

const (
	// maxInputChars bounds what is sent to the completion service; long
	// documents are truncated to this head window.
	maxInputChars = 16000

	// defaultConfidence applies when the provider omits a score.
	defaultConfidence = 0.8

	// includeThreshold pre-checks an insight for commit.
	includeThreshold = 0.5

	// CategoryGeneral is the fallback when the provider omits a category.
	CategoryGeneral = "general"
)

var domainCategories = map[Domain][]string{
	DomainPartner: {"communication", "values", "preferences", "history", "growth"},
	DomainSelf:    {"strength", "weakness", "pattern", "belief", "aspiration"},
}

// Extractor runs document text (or images) through classification prompts to
// produce structured, confidence-scored candidate records for human review.
type Extractor struct {
	llm core.CompletionProvider
}

func NewExtractor(llm core.CompletionProvider) *Extractor {
	return &Extractor{llm: llm}
}

// Factory builds extractors bound to each owner's resolved credential.
type Factory struct {
	providers core.ProviderFactory
}

func NewFactory(providers core.ProviderFactory) *Factory {
	return &Factory{providers: providers}
}

func (f *Factory) ForOwner(ctx context.Context, ownerID string) (*Extractor, error) {
	_, completer, err := f.providers.For(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return NewExtractor(completer), nil
}

type rawInsight struct {
	Text       string   `json:"text"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	Source     string   `json:"source"`
}

// Extract returns ordered candidate insights for the target domain. Parse
// failures surface as *ParseError with an empty result. Low-confidence
// insights are kept but default to excluded.
func (e *Extractor) Extract(ctx context.Context, input Input, domain Domain) ([]models.ExtractedInsight, error) {
	cats, ok := domainCategories[domain]
	if !ok {
		return nil, fmt.Errorf("unknown insight domain %q", domain)
	}

	system := insightSystemPrompt(domain, cats)

	var reply string
	var err error
	if strings.TrimSpace(input.Text) != "" {
		reply, err = e.llm.Complete(ctx, system, truncate(input.Text, maxInputChars))
	} else if len(input.ImageURIs) > 0 {
		reply, err = e.llm.CompleteWithImages(ctx, system,
			"Read the attached document images and extract insights from their content.", input.ImageURIs)
	} else {
		return nil, fmt.Errorf("no input text or images")
	}
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	var raw []rawInsight
	if err := parseJSON(reply, &raw); err != nil {
		return nil, err
	}

	out := make([]models.ExtractedInsight, 0, len(raw))
	for _, r := range raw {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		conf := defaultConfidence
		if r.Confidence != nil {
			conf = clamp01(*r.Confidence)
		}
		category := strings.TrimSpace(strings.ToLower(r.Category))
		if category == "" {
			category = CategoryGeneral
		}
		// A category outside the domain set is kept as-is; the review UI
		// decides what to do with it.
		out = append(out, models.ExtractedInsight{
			Text:       text,
			Category:   category,
			Confidence: conf,
			Source:     strings.TrimSpace(r.Source),
			Included:   conf >= includeThreshold,
		})
	}
	return out, nil
}

type rawSuggestion struct {
	Folder  string   `json:"folder"`
	Tags    []string `json:"tags"`
	Usage   []string `json:"usage"`
	Summary string   `json:"summary"`
}

// SuggestIntake is the library-organization domain: folder/tag/usage
// suggestions for a newly processed item, not per-fact insights.
func (e *Extractor) SuggestIntake(ctx context.Context, input Input) (models.IntakeSuggestion, error) {
	var reply string
	var err error
	if strings.TrimSpace(input.Text) != "" {
		reply, err = e.llm.Complete(ctx, intakeSystemPrompt(), truncate(input.Text, maxInputChars))
	} else if len(input.ImageURIs) > 0 {
		reply, err = e.llm.CompleteWithImages(ctx, intakeSystemPrompt(),
			"Read the attached document images and suggest how to file this document.", input.ImageURIs)
	} else {
		return models.IntakeSuggestion{}, fmt.Errorf("no input text or images")
	}
	if err != nil {
		return models.IntakeSuggestion{}, fmt.Errorf("completion: %w", err)
	}

	var raw rawSuggestion
	if err := parseJSON(reply, &raw); err != nil {
		return models.IntakeSuggestion{}, err
	}

	s := models.IntakeSuggestion{
		Folder:  strings.TrimSpace(raw.Folder),
		Tags:    cleanStrings(raw.Tags),
		Usage:   filterUsage(raw.Usage),
		Summary: strings.TrimSpace(raw.Summary),
	}
	if s.Folder == "" {
		s.Folder = "General"
	}
	if len(s.Usage) == 0 {
		s.Usage = []string{"general_reference"}
	}
	return s, nil
}

func insightSystemPrompt(domain Domain, cats []string) string {
	var subject string
	switch domain {
	case DomainPartner:
		subject = "the author's partner or close relationship"
	case DomainSelf:
		subject = "the author themselves"
	}
	return fmt.Sprintf(`You extract personal insights about %s from a document.
Respond with ONLY a JSON array. Each element: {"text": string, "category": one of [%s], "confidence": number 0.0-1.0, "source": short label of where in the document this came from}.
Extract only what the document supports; no speculation. Empty array if nothing found.`,
		subject, strings.Join(cats, ", "))
}

func intakeSystemPrompt() string {
	return fmt.Sprintf(`You help file a personal document into a growth-tracking library.
Respond with ONLY a JSON object: {"folder": short folder name, "tags": [up to 5 short tags], "usage": subset of [%s], "summary": one sentence}.`,
		strings.Join(models.ValidUsages, ", "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func filterUsage(in []string) []string {
	valid := make(map[string]bool, len(models.ValidUsages))
	for _, u := range models.ValidUsages {
		valid[u] = true
	}
	var out []string
	for _, u := range in {
		u = strings.TrimSpace(strings.ToLower(u))
		if valid[u] {
			out = append(out, u)
		}
	}
	return out
}
