// Package analysis extracts on-page metadata from fetched documents and
// scores the result.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/bulk-crawl-orchestrator/internal/crawler"
)

// Detail keys written into crawler.Analysis.Details.
const (
	DetailH1Count         = "h1_count"
	DetailCanonical       = "canonical"
	DetailImages          = "image_count"
	DetailImagesNoAlt     = "images_missing_alt"
	DetailOGTitle         = "og_title"
	DetailOGDescription   = "og_description"
	DetailRobots          = "robots"
	DetailViewport        = "viewport"
	DetailContentType     = "content_type"
	DetailKeywordsCount   = "keywords_count"
	DetailLinkCount       = "link_count"
	DetailWordCount       = "word_count"
	DetailHTMLParseFailed = "html_parse_failed"
)

// HTMLAnalyzer implements crawler.Analyzer with goquery.
type HTMLAnalyzer struct{}

// NewHTMLAnalyzer returns an analyzer.
func NewHTMLAnalyzer() *HTMLAnalyzer {
	return &HTMLAnalyzer{}
}

// Analyze builds an Analysis from the fetch result. Non-HTML bodies produce
// an Analysis with transport fields only.
func (a *HTMLAnalyzer) Analyze(ctx context.Context, result crawler.FetchResult) (crawler.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Analysis{}, fmt.Errorf("analyze %s: %w", result.RequestedURL, err)
	}
	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = result.RequestedURL
	}
	out := crawler.Analysis{
		URL:                 result.RequestedURL,
		FinalURL:            finalURL,
		StatusCode:          result.StatusCode,
		RedirectChain:       result.RedirectChain,
		SSLValidationFailed: result.SSLValidationFailed,
		ResponseTimeMs:      result.Duration.Milliseconds(),
		ContentLength:       len(result.Body),
		Details:             map[string]any{},
	}
	if out.RedirectChain == nil {
		out.RedirectChain = []crawler.RedirectHop{}
	}
	contentType := ""
	if result.Headers != nil {
		contentType = result.Headers.Get("Content-Type")
	}
	out.Details[DetailContentType] = contentType
	if len(result.Body) == 0 || !looksLikeHTML(contentType, result.Body) {
		return out, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(result.Body))
	if err != nil {
		out.Details[DetailHTMLParseFailed] = true
		return out, nil
	}

	out.Title = strings.TrimSpace(doc.Find("title").First().Text())
	out.Description = strings.TrimSpace(metaContent(doc, `meta[name="description"]`))

	images := doc.Find("img")
	missingAlt := 0
	images.Each(func(_ int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			missingAlt++
		}
	})
	keywords := metaContent(doc, `meta[name="keywords"]`)
	keywordsCount := 0
	if strings.TrimSpace(keywords) != "" {
		keywordsCount = len(strings.Split(keywords, ","))
	}

	out.Details[DetailH1Count] = doc.Find("h1").Length()
	out.Details[DetailCanonical] = doc.Find(`link[rel="canonical"]`).AttrOr("href", "")
	out.Details[DetailImages] = images.Length()
	out.Details[DetailImagesNoAlt] = missingAlt
	out.Details[DetailOGTitle] = metaContent(doc, `meta[property="og:title"]`)
	out.Details[DetailOGDescription] = metaContent(doc, `meta[property="og:description"]`)
	out.Details[DetailRobots] = metaContent(doc, `meta[name="robots"]`)
	out.Details[DetailViewport] = metaContent(doc, `meta[name="viewport"]`)
	out.Details[DetailKeywordsCount] = keywordsCount
	out.Details[DetailLinkCount] = doc.Find("a[href]").Length()
	out.Details[DetailWordCount] = len(strings.Fields(doc.Find("body").Text()))
	return out, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	return doc.Find(selector).First().AttrOr("content", "")
}

func looksLikeHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" && !strings.HasPrefix(ct, "text/plain") {
		return false
	}
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") || strings.Contains(head, "<head")
}
