package analysis

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Recommendation priorities.
const (
	PriorityCritical = "critical"
	PriorityWarning  = "warning"
	PriorityInfo     = "info"
)

const (
	maxTitleLength       = 60
	maxDescriptionLength = 160
)

// HealthScorer implements crawler.Scorer. It starts from 100 and deducts for
// missing metadata, error statuses, slow responses, and transport issues.
type HealthScorer struct{}

// NewHealthScorer returns a scorer.
func NewHealthScorer() *HealthScorer {
	return &HealthScorer{}
}

// Score rates the analysis on a 0-100 scale.
func (s *HealthScorer) Score(a crawler.Analysis) crawler.Score {
	score := 100
	var recs []crawler.Recommendation
	add := func(kind, priority, issue, suggestion string, penalty int) {
		score -= penalty
		recs = append(recs, crawler.Recommendation{Type: kind, Issue: issue, Suggestion: suggestion, Priority: priority})
	}

	html := isHTMLType(a.Details)
	if html && a.StatusCode < 400 {
		switch {
		case a.Title == "":
			add("meta", PriorityCritical, "Missing title tag", "Add a descriptive title tag (50-60 characters)", 20)
		case len(a.Title) > maxTitleLength:
			add("meta", PriorityWarning, "Title too long",
				fmt.Sprintf("Title is %d characters. Keep it under %d characters.", len(a.Title), maxTitleLength), 10)
		}
		switch {
		case a.Description == "":
			add("meta", PriorityCritical, "Missing meta description", "Add a meta description (150-160 characters)", 15)
		case len(a.Description) > maxDescriptionLength:
			add("meta", PriorityWarning, "Meta description too long",
				fmt.Sprintf("Description is %d characters. Keep it under %d characters.", len(a.Description), maxDescriptionLength), 8)
		}
		switch h1 := intDetail(a.Details, DetailH1Count); {
		case h1 == 0:
			add("content", PriorityCritical, "Missing H1 tag", "Add exactly one H1 tag to the page", 15)
		case h1 > 1:
			add("content", PriorityWarning, "Multiple H1 tags",
				fmt.Sprintf("Found %d H1 tags. Use only one H1 per page.", h1), 8)
		}
		if n := intDetail(a.Details, DetailImagesNoAlt); n > 0 {
			add("content", PriorityWarning, "Images missing alt text",
				fmt.Sprintf("%d images are missing alt text. Add descriptive alt attributes.", n), min(n*2, 20))
		}
		if c, _ := a.Details[DetailCanonical].(string); c == "" {
			add("technical", PriorityInfo, "Missing canonical URL",
				"Consider adding a canonical URL to prevent duplicate content issues", 5)
		}
	}

	switch {
	case a.StatusCode >= 500:
		add("status", PriorityCritical, fmt.Sprintf("Server error (%d)", a.StatusCode),
			"Investigate server logs and fix the failing endpoint", 35)
	case a.StatusCode >= 400:
		add("status", PriorityCritical, fmt.Sprintf("Client error (%d)", a.StatusCode),
			"Fix or redirect the missing resource", 25)
	case a.StatusCode >= 300:
		add("status", PriorityWarning, fmt.Sprintf("Redirect response (%d)", a.StatusCode),
			"Link directly to the final destination", 10)
	}
	if len(a.RedirectChain) > 1 {
		recs = append(recs, crawler.Recommendation{
			Type:       "status",
			Issue:      fmt.Sprintf("Redirect chain of %d hops", len(a.RedirectChain)),
			Suggestion: "Collapse the chain into a single redirect",
			Priority:   PriorityInfo,
		})
	}

	switch rt := a.ResponseTimeMs; {
	case rt > 5000:
		add("performance", PriorityCritical, "Very slow response", fmt.Sprintf("Response took %dms. Aim for under 1000ms.", rt), 15)
	case rt > 3000:
		add("performance", PriorityWarning, "Slow response", fmt.Sprintf("Response took %dms. Aim for under 1000ms.", rt), 10)
	case rt > 1000:
		add("performance", PriorityInfo, "Somewhat slow response", fmt.Sprintf("Response took %dms. Aim for under 1000ms.", rt), 5)
	}

	target := a.FinalURL
	if target == "" {
		target = a.URL
	}
	if strings.HasPrefix(target, "http://") {
		add("security", PriorityWarning, "Page not served over HTTPS", "Serve the page over HTTPS and redirect HTTP traffic", 8)
	}
	if a.SSLValidationFailed {
		add("security", PriorityCritical, "Invalid SSL certificate",
			"Install a certificate issued by a trusted authority that matches the hostname", 12)
	}

	if recs == nil {
		recs = []crawler.Recommendation{}
	}
	return crawler.Score{Value: max(0, score), Recommendations: recs}
}

func isHTMLType(details map[string]any) bool {
	if _, parsed := details[DetailH1Count]; parsed {
		return true
	}
	ct, _ := details[DetailContentType].(string)
	return ct == "" || strings.Contains(strings.ToLower(ct), "html")
}

// intDetail reads an integer detail that may have round-tripped through JSON.
func intDetail(details map[string]any, key string) int {
	switch v := details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
