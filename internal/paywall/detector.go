// Package paywall detects paywalled responses per fetch and aggregates
// detections into a cross-fetch consensus per domain.
package paywall

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Subscription/registration phrases that mark a paywalled or gated response.
var paywallPhrases = []string{
	"subscribe to continue",
	"subscribe now to read",
	"subscription required",
	"subscribers only",
	"already a subscriber",
	"sign in to continue reading",
	"register to continue",
	"create a free account to continue",
	"become a member",
	"this article is for subscribers",
	"unlock this article",
	"you have reached your article limit",
	"free articles remaining",
	"to continue reading, please subscribe",
	"support independent journalism",
}

const (
	keywordConfidence      = 0.7
	keywordShortConfidence = 0.85
	shortOnlyConfidence    = 0.4
)

// Detection is the per-fetch paywall likelihood.
type Detection struct {
	IsPaywall  bool
	Confidence float64
	Signals    []string
}

// ShouldSkip reports whether the fetch should be skipped given the
// configured confidence floor.
func (d Detection) ShouldSkip(minConfidence float64) bool {
	return d.IsPaywall && d.Confidence >= minConfidence
}

// Classifier corroborates a local detection via a remote model. Transport
// failures must degrade to local-only signals.
type Classifier interface {
	Classify(ctx context.Context, text, url string) (RemoteVerdict, error)
}

// RemoteVerdict is one labeled signal from the remote classifier.
type RemoteVerdict struct {
	Label      string
	Confidence float64
}

// Detector runs the local heuristics and, when configured, the remote
// corroboration call, taking the maximum confidence across signals.
type Detector struct {
	minContentBytes int
	classifier      Classifier
	logger          *zap.Logger
}

// NewDetector builds a Detector. classifier may be nil for local-only
// operation.
func NewDetector(minContentBytes int, classifier Classifier, logger *zap.Logger) *Detector {
	if minContentBytes <= 0 {
		minContentBytes = 600
	}
	return &Detector{
		minContentBytes: minContentBytes,
		classifier:      classifier,
		logger:          logger,
	}
}

// Inspect evaluates one fetched page.
func (d *Detector) Inspect(ctx context.Context, html, url string) Detection {
	det := d.localDetection(html)

	if d.classifier != nil {
		verdict, err := d.classifier.Classify(ctx, visibleText(html), url)
		if err != nil {
			d.logger.Debug("remote paywall corroboration unavailable; using local signals",
				zap.String("url", url), zap.Error(err))
		} else if strings.EqualFold(verdict.Label, "paywall") {
			det.Signals = append(det.Signals, "remote:paywall")
			if verdict.Confidence > det.Confidence {
				det.Confidence = verdict.Confidence
			}
			if verdict.Confidence > 0 {
				det.IsPaywall = true
			}
		}
	}
	return det
}

func (d *Detector) localDetection(html string) Detection {
	lower := strings.ToLower(html)
	var matched []string
	for _, phrase := range paywallPhrases {
		if strings.Contains(lower, phrase) {
			matched = append(matched, "phrase:"+phrase)
		}
	}
	short := len(visibleText(html)) < d.minContentBytes

	switch {
	case len(matched) > 0 && short:
		return Detection{IsPaywall: true, Confidence: keywordShortConfidence, Signals: append(matched, "short-content")}
	case len(matched) > 0:
		return Detection{IsPaywall: true, Confidence: keywordConfidence, Signals: matched}
	case short:
		return Detection{IsPaywall: true, Confidence: shortOnlyConfidence, Signals: []string{"short-content"}}
	default:
		return Detection{}
	}
}

// visibleText extracts the rendered text, falling back to the raw markup
// when parsing fails.
func visibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script,style,noscript").Remove()
	return strings.TrimSpace(doc.Text())
}
