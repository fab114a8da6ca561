// Package parse extracts semantic keys, label indicators and mergeable items
// from fetched HTML pages.
//
// Which keys a page populates is what the structure fingerprint is computed
// from, so the selector table is the contract with the source's layout.
package parse

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/sourcesync/source"
)

// maxSummaryLen bounds each summary value stored in the ledger.
const maxSummaryLen = 256

// Selectors maps the page layout onto semantic keys.
type Selectors struct {
	// Keys maps a semantic key to the CSS selector that populates it.
	Keys map[string]string `yaml:"keys"`

	Status       string `yaml:"status"`
	Registration string `yaml:"registration"`

	Post       string `yaml:"post"`
	PostIDAttr string `yaml:"post_id_attr"`
	PostTime   string `yaml:"post_time"`
	PostTitle  string `yaml:"post_title"`
	PostBody   string `yaml:"post_body"`
	PostLink   string `yaml:"post_link"`

	// Next matches the link to older content; its absence means the
	// source has nothing older.
	Next string `yaml:"next"`
}

// DefaultSelectors reads data-field annotated pages and data-post-id posts.
func DefaultSelectors() Selectors {
	keys := map[string]string{}
	for _, k := range []string{"name", "buyin", "start", "status", "registration",
		"prizepool", "results", "seating", "levels", "entries"} {
		keys[k] = fmt.Sprintf(`[data-field=%q]`, k)
	}
	return Selectors{
		Keys:         keys,
		Status:       `[data-field="status"]`,
		Registration: `[data-field="registration"]`,
		Post:         "[data-post-id]",
		PostIDAttr:   "data-post-id",
		PostTime:     "time[datetime]",
		PostTitle:    ".post-title",
		PostBody:     ".post-body",
		PostLink:     "a.permalink",
		Next:         `a[rel="next"]`,
	}
}

// merge fills zero fields of s from d.
func (s Selectors) merge(d Selectors) Selectors {
	if len(s.Keys) == 0 {
		s.Keys = d.Keys
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&s.Status, d.Status)
	fill(&s.Registration, d.Registration)
	fill(&s.Post, d.Post)
	fill(&s.PostIDAttr, d.PostIDAttr)
	fill(&s.PostTime, d.PostTime)
	fill(&s.PostTitle, d.PostTitle)
	fill(&s.PostBody, d.PostBody)
	fill(&s.PostLink, d.PostLink)
	fill(&s.Next, d.Next)
	return s
}

// HTMLParser implements source.Parser with goquery.
type HTMLParser struct {
	sel    Selectors
	strict *bluemonday.Policy
	ugc    *bluemonday.Policy
	md     *converter.Converter
}

var _ source.Parser = (*HTMLParser)(nil)

// New creates a parser. Zero fields of sel fall back to DefaultSelectors.
func New(sel Selectors) *HTMLParser {
	return &HTMLParser{
		sel:    sel.merge(DefaultSelectors()),
		strict: bluemonday.StrictPolicy(),
		ugc:    bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Parse implements source.Parser.
func (p *HTMLParser) Parse(ctx context.Context, pageURL string, body []byte) (*source.ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	res := &source.ParseResult{Summary: map[string]string{}}
	present := map[string]bool{}
	for key, selector := range p.sel.Keys {
		s := doc.Find(selector).First()
		if s.Length() == 0 {
			continue
		}
		text := p.clean(s.Text())
		if text == "" && s.Children().Length() == 0 {
			continue
		}
		present[key] = true
		res.Keys = append(res.Keys, key)
		if text != "" {
			res.Summary[key] = text
		}
	}
	sort.Strings(res.Keys)

	res.Indicators = source.Indicators{
		Status:       p.clean(doc.Find(p.sel.Status).First().Text()),
		Registration: p.clean(doc.Find(p.sel.Registration).First().Text()),
		HasResults:   present["results"],
		HasSeating:   present["seating"],
		HasLevels:    present["levels"],
		HasEntries:   present["entries"],
	}

	var postErr error
	doc.Find(p.sel.Post).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		item, err := p.item(pageURL, s)
		if err != nil {
			postErr = err
			return false
		}
		res.Items = append(res.Items, item)
		return true
	})
	if postErr != nil {
		return nil, postErr
	}
	if len(res.Items) > 0 && !present["posts"] {
		res.Keys = append(res.Keys, "posts")
		sort.Strings(res.Keys)
	}

	res.HasMore = doc.Find(p.sel.Next).Length() > 0
	return res, nil
}

func (p *HTMLParser) item(pageURL string, s *goquery.Selection) (source.Item, error) {
	id := strings.TrimSpace(s.AttrOr(p.sel.PostIDAttr, ""))
	if id == "" {
		return source.Item{}, fmt.Errorf("parse html: post without %s", p.sel.PostIDAttr)
	}
	raw := s.Find(p.sel.PostTime).First().AttrOr("datetime", "")
	posted, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return source.Item{}, fmt.Errorf("parse html: post %s datetime %q: %w", id, raw, err)
	}

	it := source.Item{
		NaturalKey: id,
		PostedAt:   posted.UTC(),
		Title:      p.clean(s.Find(p.sel.PostTitle).First().Text()),
		URL:        s.Find(p.sel.PostLink).First().AttrOr("href", ""),
	}
	if inner, err := s.Find(p.sel.PostBody).First().Html(); err == nil && strings.TrimSpace(inner) != "" {
		md, err := p.md.ConvertString(p.ugc.Sanitize(inner), converter.WithDomain(pageURL))
		if err != nil {
			return source.Item{}, fmt.Errorf("parse html: post %s body: %w", id, err)
		}
		it.Body = strings.TrimSpace(md)
	}
	return it, nil
}

// clean strips markup, collapses whitespace and bounds the length.
func (p *HTMLParser) clean(s string) string {
	s = strings.Join(strings.Fields(html.UnescapeString(p.strict.Sanitize(s))), " ")
	if len(s) > maxSummaryLen {
		s = strings.ToValidUTF8(s[:maxSummaryLen], "")
	}
	return s
}
