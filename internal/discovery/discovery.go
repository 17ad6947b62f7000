// Package discovery turns a location and radius into candidate practice pages
// by walking paginated search results through the fetch layer.
package discovery

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/practicewatch/internal/monitor"
)

// DefaultSearchTemplates are tried in order when no templates are configured.
var DefaultSearchTemplates = []string{
	"{base}/service-search/find-a-dentist/results/{location}?distance={radius}",
	"{base}/service-search/find-a-dentist/results/{location}",
}

const defaultMaxPages = 5

// targetPath matches /services/dentist(s)/<slug>/<CODE> with an optional trailing suffix.
var targetPath = regexp.MustCompile(`^/services/(dentists?)/([^/]+)/([A-Z]{1,2}[0-9]{4,6})(?:/.*)?$`)

// Config controls discovery.
type Config struct {
	BaseURL         string
	SearchTemplates []string
	MaxPages        int
}

// Discoverer walks search result pages and extracts target links.
type Discoverer struct {
	cfg     Config
	fetcher monitor.Fetcher
	logger  *zap.Logger
}

// New builds a Discoverer that fetches through fetcher.
func New(cfg Config, fetcher monitor.Fetcher, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.SearchTemplates) == 0 {
		cfg.SearchTemplates = DefaultSearchTemplates
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	return &Discoverer{cfg: cfg, fetcher: fetcher, logger: logger}
}

// Discover returns de-duplicated candidates for the location. Variants are
// tried in order until one yields at least one candidate. Failures are logged
// and never returned; the result is empty when nothing was found.
func (d *Discoverer) Discover(ctx context.Context, locationHint string, radius int) []monitor.CandidateRef {
	location := strings.TrimSpace(locationHint)
	if location == "" {
		return []monitor.CandidateRef{}
	}
	for _, tmpl := range d.cfg.SearchTemplates {
		if ctx.Err() != nil {
			break
		}
		searchURL := d.expand(tmpl, location, radius)
		found := d.walk(ctx, searchURL)
		if len(found) > 0 {
			d.logger.Info("discovery complete",
				zap.String("location", location),
				zap.Int("radius", radius),
				zap.String("variant", searchURL),
				zap.Int("candidates", len(found)),
			)
			return found
		}
		d.logger.Debug("discovery variant empty", zap.String("variant", searchURL))
	}
	d.logger.Warn("discovery found no candidates", zap.String("location", location), zap.Int("radius", radius))
	return []monitor.CandidateRef{}
}

func (d *Discoverer) expand(tmpl, location string, radius int) string {
	r := strings.NewReplacer(
		"{base}", strings.TrimRight(d.cfg.BaseURL, "/"),
		"{location}", url.PathEscape(location),
		"{radius}", strconv.Itoa(radius),
	)
	return r.Replace(tmpl)
}

// walk follows pagination from startURL, never fetching a page twice.
func (d *Discoverer) walk(ctx context.Context, startURL string) []monitor.CandidateRef {
	visited := make(map[string]struct{})
	seen := make(map[string]struct{})
	found := []monitor.CandidateRef{}

	next := startURL
	for pages := 0; next != "" && pages < d.cfg.MaxPages; pages++ {
		if _, ok := visited[next]; ok {
			break
		}
		visited[next] = struct{}{}

		page, err := d.fetcher.Fetch(ctx, next)
		if err != nil {
			d.logger.Warn("discovery fetch failed", zap.String("url", next), zap.Error(err))
			break
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
		if err != nil {
			d.logger.Warn("discovery parse failed", zap.String("url", next), zap.Error(err))
			break
		}
		base, err := url.Parse(firstNonEmpty(page.FinalURL, page.URL, next))
		if err != nil {
			break
		}
		for _, ref := range extractCandidates(doc, base) {
			if _, dup := seen[ref.ID]; dup {
				continue
			}
			seen[ref.ID] = struct{}{}
			found = append(found, ref)
		}
		next = nextPage(doc, base)
	}
	return found
}

func extractCandidates(doc *goquery.Document, base *url.URL) []monitor.CandidateRef {
	var refs []monitor.CandidateRef
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, ok := parseTargetLink(base, href)
		if !ok {
			return
		}
		ref.DisplayName = collapse(s.Text())
		if ref.DisplayName == "" {
			ref.DisplayName = collapse(s.AttrOr("title", ""))
		}
		refs = append(refs, ref)
	})
	return refs
}

// parseTargetLink resolves href against base and reports whether it points at
// a practice page. The canonical URL drops query, fragment and any suffix.
func parseTargetLink(base *url.URL, href string) (monitor.CandidateRef, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return monitor.CandidateRef{}, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return monitor.CandidateRef{}, false
	}
	m := targetPath.FindStringSubmatch(abs.Path)
	if m == nil {
		return monitor.CandidateRef{}, false
	}
	canonical := url.URL{
		Scheme: abs.Scheme,
		Host:   abs.Host,
		Path:   "/services/" + m[1] + "/" + m[2] + "/" + m[3],
	}
	return monitor.CandidateRef{ID: m[3], URL: canonical.String()}, true
}

func nextPage(doc *goquery.Document, base *url.URL) string {
	var href string
	doc.Find("a[rel~='next'][href], link[rel~='next'][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href = s.AttrOr("href", "")
		return href == ""
	})
	if href == "" {
		doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := strings.ToLower(strings.Trim(collapse(s.Text()), " ›»>→"))
			if text == "next" || text == "next page" {
				href = s.AttrOr("href", "")
				return false
			}
			return true
		})
	}
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
