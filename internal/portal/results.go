package portal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ResultRow is one parsed line item from the results listing.
type ResultRow struct {
	Label string
	Ready bool
}

// ResultSet is the parsed view of one results page. It is built fresh on
// every fetch and never cached.
type ResultSet struct {
	Rows []ResultRow
}

// AllReady reports whether every row is ready. An empty set is never ready.
func (rs *ResultSet) AllReady() bool {
	if rs == nil || len(rs.Rows) == 0 {
		return false
	}
	for _, r := range rs.Rows {
		if !r.Ready {
			return false
		}
	}
	return true
}

func (rs *ResultSet) ReadyCount() int {
	n := 0
	for _, r := range rs.Rows {
		if r.Ready {
			n++
		}
	}
	return n
}

// Summary is the short human-readable status recorded after a cycle.
func (rs *ResultSet) Summary() string {
	if rs == nil || len(rs.Rows) == 0 {
		return "no results listed yet"
	}
	if rs.AllReady() {
		return fmt.Sprintf("all %d results ready", len(rs.Rows))
	}
	return fmt.Sprintf("results pending (%d/%d ready)", rs.ReadyCount(), len(rs.Rows))
}

// ParseResults scans the results page for result rows.
//
// Non-result rows (headers, spacers, the report-link row, signature rows) are
// skipped, not errors. A page without any table row structure at all is a
// ParseError; a recognizable page with zero result rows parses to an empty,
// not-ready ResultSet.
func ParseResults(html []byte, rules Rules) (*ResultSet, error) {
	rules = rules.withDefaults()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &ParseError{Reason: "page unreadable"}
	}

	trs := doc.Find("tr")
	if trs.Length() == 0 {
		return nil, &ParseError{Reason: "no results table found"}
	}

	rs := &ResultSet{}
	trs.Each(func(_ int, row *goquery.Selection) {
		if row.Find("th").Length() > 0 || row.Find("td").Length() == 0 {
			return
		}
		text := strings.ToLower(row.Text())
		if strings.Contains(text, "assinatura") || rowHasReportLink(row, rules) {
			return
		}
		rs.Rows = append(rs.Rows, ResultRow{
			Label: strings.TrimSpace(row.Find("td").First().Text()),
			Ready: rowReady(row, rules),
		})
	})
	return rs, nil
}

// rowReady applies the two-part readiness rule: a background marker AND a
// status token must both match. Either alone is treated as styling noise.
func rowReady(row *goquery.Selection, rules Rules) bool {
	return rowHasReadyMarker(row, rules) && rowHasStatusToken(row, rules)
}

func rowHasReadyMarker(row *goquery.Selection, rules Rules) bool {
	if attrsMatchAny(row, rules.ReadyMarkers) {
		return true
	}
	found := false
	row.Find("td").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		if attrsMatchAny(cell, rules.ReadyMarkers) {
			found = true
			return false
		}
		return true
	})
	return found
}

func rowHasStatusToken(row *goquery.Selection, rules Rules) bool {
	found := false
	row.Find("td").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := strings.ToLower(cell.Text())
		for _, tok := range rules.StatusTokens {
			if strings.Contains(text, strings.ToLower(tok)) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// attrsMatchAny checks style, class and bgcolor of one element against the
// marker list. Style values are compared with whitespace stripped so
// "background-color: green" and "background-color:green" both match.
func attrsMatchAny(sel *goquery.Selection, markers []string) bool {
	attrs := []string{
		normalizeAttr(sel.AttrOr("style", "")),
		strings.ToLower(sel.AttrOr("class", "")),
		strings.ToLower(sel.AttrOr("bgcolor", "")),
	}
	for _, a := range attrs {
		if a == "" {
			continue
		}
		for _, m := range markers {
			if strings.Contains(a, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

func normalizeAttr(v string) string {
	return strings.ReplaceAll(strings.ToLower(v), " ", "")
}

// rowHasReportLink reports whether the row is the report-link row rather
// than a result line item.
func rowHasReportLink(row *goquery.Selection, rules Rules) bool {
	found := false
	row.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if linkMatches(a, rules) {
			found = true
			return false
		}
		return true
	})
	return found
}
