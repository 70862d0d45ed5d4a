// Package parser turns a rendered product listing page into product records.
package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/use-agent/stockwatch/models"
)

// Rules are the listing-specific selectors and title filters.
type Rules struct {
	// Row matches one product row.
	Row string
	// Title matches the title element inside a row. Rows without it are dropped.
	Title string
	// Price matches the price element inside a row.
	Price string
	// NoStock matches the out-of-stock marker inside a row.
	NoStock string
	// Exclude drops any title that contains one of these tokens.
	Exclude []string
	// Include keeps only titles that contain at least one of these tokens.
	Include []string
}

// DefaultRules describes the gold listing of the reference site.
func DefaultRules() Rules {
	return Rules{
		Row:     ".ct-body .ctr",
		Title:   ".ctd.item-1 .ngc-text",
		Price:   ".ctd.item-2",
		NoStock: "span.no-stock",
		Exclude: []string{"perak", "silver"},
		Include: []string{"emas", "batangan", "gram"},
	}
}

// Parser extracts product records with precompiled selectors.
// A Parser is immutable and safe for concurrent use.
type Parser struct {
	row     cascadia.Selector
	title   cascadia.Selector
	price   cascadia.Selector
	noStock cascadia.Selector
	exclude []string
	include []string
}

// New compiles rules into a Parser.
func New(r Rules) (*Parser, error) {
	p := &Parser{
		exclude: lowerAll(r.Exclude),
		include: lowerAll(r.Include),
	}
	for _, s := range []struct {
		name string
		src  string
		dst  *cascadia.Selector
	}{
		{"row", r.Row, &p.row},
		{"title", r.Title, &p.title},
		{"price", r.Price, &p.price},
		{"no-stock", r.NoStock, &p.noStock},
	} {
		sel, err := cascadia.Compile(s.src)
		if err != nil {
			return nil, fmt.Errorf("parser: compile %s selector %q: %w", s.name, s.src, err)
		}
		*s.dst = sel
	}
	return p, nil
}

// Default returns a Parser for DefaultRules.
func Default() *Parser {
	p, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return p
}

// Parse returns the products found in html in document order.
// Malformed markup never fails; it just yields fewer rows.
func (p *Parser) Parse(html string) []models.ProductRecord {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return []models.ProductRecord{}
	}

	products := []models.ProductRecord{}
	doc.FindMatcher(p.row).Each(func(_ int, row *goquery.Selection) {
		titleSel := row.FindMatcher(p.title).First()
		if titleSel.Length() == 0 {
			return
		}
		title := firstLine(titleSel)
		if title == "" || !p.accepts(title) {
			return
		}
		products = append(products, models.ProductRecord{
			Title:    title,
			Price:    collapse(row.FindMatcher(p.price).First().Text()),
			HasStock: row.FindMatcher(p.noStock).Length() == 0,
		})
	})
	return products
}

func (p *Parser) accepts(title string) bool {
	t := strings.ToLower(title)
	for _, tok := range p.exclude {
		if strings.Contains(t, tok) {
			return false
		}
	}
	if len(p.include) == 0 {
		return true
	}
	for _, tok := range p.include {
		if strings.Contains(t, tok) {
			return true
		}
	}
	return false
}

// firstLine returns the text of s up to the first <br> or newline,
// with whitespace collapsed.
func firstLine(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().EachWithBreak(func(_ int, c *goquery.Selection) bool {
		if goquery.NodeName(c) == "br" {
			return false
		}
		b.WriteString(c.Text())
		return true
	})
	text := strings.TrimSpace(b.String())
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return collapse(text)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
