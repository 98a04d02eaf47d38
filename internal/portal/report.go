package portal

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is the raw report delivered to the patient. It exists only in
// memory between extraction and delivery.
type Document struct {
	Data     []byte
	Filename string
}

const defaultReportName = "lab_results.pdf"

var pdfMagic = []byte("%PDF")

func linkMatches(a *goquery.Selection, rules Rules) bool {
	text := strings.ToLower(strings.TrimSpace(a.Text()))
	for _, t := range rules.LinkTexts {
		if t != "" && strings.Contains(text, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// FindReportLink locates the report link on a ready results page by its
// visible text, falling back to known href markers. A ready page without any
// matching link is a portal-format mismatch and must surface as an error.
func FindReportLink(html []byte, rules Rules) (string, error) {
	rules = rules.withDefaults()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", &ExtractError{Reason: "page unreadable", Err: err}
	}

	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if linkMatches(a, rules) {
			href = a.AttrOr("href", "")
			return false
		}
		return true
	})
	if href == "" {
		doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			h := a.AttrOr("href", "")
			for _, m := range rules.HrefMarkers {
				if m != "" && strings.Contains(h, m) {
					href = h
					return false
				}
			}
			return true
		})
	}
	if href == "" {
		return "", &ExtractError{Reason: "no report link found"}
	}
	return href, nil
}

// FetchReport downloads the report behind href. The portal serves either the
// PDF bytes directly or an HTML wrapper page; wrappers embed the payload
// inline (base64) or point at it via an iframe or a direct link.
func (s *Session) FetchReport(ctx context.Context, href string) (*Document, error) {
	p, err := s.get(ctx, href)
	if err != nil {
		return nil, err
	}

	ct := strings.ToLower(p.contentType)
	switch {
	case bytes.HasPrefix(p.body, pdfMagic):
		return &Document{Data: p.body, Filename: filenameFrom(p)}, nil
	case strings.Contains(ct, "html") || looksLikeHTML(p.body):
		return s.extractFromWrapper(ctx, p.body)
	default:
		return nil, &ExtractError{Reason: "document response is neither a PDF nor a page"}
	}
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	return bytes.HasPrefix(head, []byte("<!doctype")) || bytes.HasPrefix(head, []byte("<html"))
}

// extractFromWrapper pulls the report out of an HTML wrapper page.
func (s *Session) extractFromWrapper(ctx context.Context, html []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, &ExtractError{Reason: "document page unreadable", Err: err}
	}

	// Inline encoded payload embedded in the page itself.
	if raw, ok := inlinePayload(doc); ok {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, &ExtractError{Reason: "malformed inline payload", Err: err}
		}
		if !bytes.HasPrefix(data, pdfMagic) {
			return nil, &ExtractError{Reason: "inline payload is not a PDF"}
		}
		return &Document{Data: data, Filename: defaultReportName}, nil
	}

	// Iframe wrapper around the real document.
	if src, ok := doc.Find(`iframe[type="application/pdf"]`).Attr("src"); ok && strings.TrimSpace(src) != "" {
		p, err := s.get(ctx, src)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(p.body, pdfMagic) {
			return nil, &ExtractError{Reason: "iframe target is not a PDF"}
		}
		return &Document{Data: p.body, Filename: filenameFrom(p)}, nil
	}

	// Direct links to the document inside the wrapper.
	var pdfHref string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h := a.AttrOr("href", "")
		if strings.HasSuffix(strings.ToLower(h), ".pdf") || strings.Contains(strings.ToLower(h), "pdf") {
			pdfHref = h
			return false
		}
		return true
	})
	if pdfHref != "" {
		p, err := s.get(ctx, pdfHref)
		if err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(p.body, pdfMagic) {
			return nil, &ExtractError{Reason: "linked document is not a PDF"}
		}
		return &Document{Data: p.body, Filename: filenameFrom(p)}, nil
	}

	return nil, &ExtractError{Reason: "no document payload found on page"}
}

func inlinePayload(doc *goquery.Document) (string, bool) {
	v, ok := doc.Find(`object[type="application/pdf"] param#base64-param`).Attr("value")
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// filenameFrom derives a suggested filename: Content-Disposition first, then
// the URL basename, then the default.
func filenameFrom(p *page) string {
	if p.disposition != "" {
		if _, params, err := mime.ParseMediaType(p.disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return ensurePDF(name)
			}
		}
	}
	if u, err := url.Parse(p.finalURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "/" && base != "." && strings.Contains(base, ".") {
			return ensurePDF(base)
		}
	}
	return defaultReportName
}

func ensurePDF(name string) string {
	if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return name + ".pdf"
	}
	return name
}
