// Package overlay detects consent/cookie modals in fetched markup and
// attempts structural remediation.
package overlay

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

var consentKeywords = []string{
	"accept all cookies",
	"accept cookies",
	"cookie consent",
	"we value your privacy",
	"manage preferences",
	"gdpr",
	"consent to the use",
	"agree & continue",
	"your privacy choices",
}

// Likely overlay containers, matched against tag, id and class attributes.
var overlaySelectors = []string{
	"div[id*='cookie']",
	"div[class*='cookie']",
	"div[id*='consent']",
	"div[class*='consent']",
	"div[id*='gdpr']",
	"div[class*='gdpr']",
	"div[class*='modal']",
	"div[class*='overlay']",
	"div[class*='banner']",
	"dialog",
}

// Result is the outcome of a remediation pass.
type Result struct {
	HTML     string
	Modified bool
	// Cookie is a synthetic consent cookie for reuse by subsequent fetches
	// in the same session; nil when no remediation was attempted.
	Cookie *http.Cookie
}

// Handler scans markup for consent overlays and strips likely containers.
type Handler struct {
	logger *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// Detect reports whether the markup carries consent-overlay keywords.
func (h *Handler) Detect(html string) bool {
	lower := strings.ToLower(html)
	for _, kw := range consentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Remediate removes likely overlay containers when consent keywords are
// present. Parse failures fall back to the unmodified markup.
func (h *Handler) Remediate(html string) Result {
	if !h.Detect(html) {
		return Result{HTML: html}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		h.logger.Debug("overlay parse failed; returning markup unmodified", zap.Error(err))
		return Result{HTML: html, Cookie: consentCookie()}
	}

	removed := 0
	for _, sel := range overlaySelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if !selectionMentionsConsent(s) {
				return
			}
			s.Remove()
			removed++
		})
	}
	if removed == 0 {
		return Result{HTML: html, Cookie: consentCookie()}
	}

	out, err := doc.Html()
	if err != nil {
		h.logger.Debug("overlay serialize failed; returning markup unmodified", zap.Error(err))
		return Result{HTML: html, Cookie: consentCookie()}
	}
	h.logger.Debug("removed consent overlay containers", zap.Int("removed", removed))
	return Result{HTML: out, Modified: true, Cookie: consentCookie()}
}

// selectionMentionsConsent keeps removal conservative: a structural match is
// stripped only when its own text carries a consent keyword.
func selectionMentionsConsent(s *goquery.Selection) bool {
	text := strings.ToLower(s.Text())
	for _, kw := range consentKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func consentCookie() *http.Cookie {
	return &http.Cookie{
		Name:    "euconsent-v2",
		Value:   fmt.Sprintf("governor-consent-%d", time.Now().Unix()),
		Path:    "/",
		Expires: time.Now().Add(180 * 24 * time.Hour),
	}
}
