package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// labelled returns the value following a span.pl label, read from the
// sibling text and elements up to the next <br>.
func labelled(doc *goquery.Document, label string) string {
	var value string
	doc.Find("#info span.pl").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if normalizeLabel(sel.Text()) != label {
			return true
		}
		value = siblingText(sel.Nodes[0])
		return false
	})
	return value
}

// definition reads a <dt>label</dt><dd>value</dd> pair.
func definition(doc *goquery.Document, label string) string {
	var value string
	doc.Find("dl dt").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if normalizeLabel(sel.Text()) != label {
			return true
		}
		value = collapse(sel.NextFiltered("dd").Text())
		return false
	})
	return value
}

func siblingText(node *html.Node) string {
	var b strings.Builder
	for n := node.NextSibling; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode && n.Data == "br" {
			break
		}
		if n.Type == html.ElementNode && n.Data == "span" && hasClass(n, "pl") {
			break
		}
		b.WriteString(nodeText(n))
	}
	return strings.TrimLeft(collapse(b.String()), ":： ")
}

func nodeText(node *html.Node) string {
	if node.Type == html.TextNode {
		return node.Data
	}
	var b strings.Builder
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

func hasClass(node *html.Node, class string) bool {
	for _, a := range node.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func normalizeLabel(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ":： ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := collapse(doc.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	return ""
}

func firstAttr(doc *goquery.Document, attr string, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func joinTexts(doc *goquery.Document, selector string) string {
	var parts []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if v := collapse(sel.Text()); v != "" {
			parts = append(parts, v)
		}
	})
	return strings.Join(parts, " / ")
}

// title finds the subject heading across the page layouts.
func title(doc *goquery.Document) string {
	return firstText(doc,
		`h1 span[property="v:itemreviewed"]`,
		"#wrapper h1 span",
		"#content h1",
	)
}

// brief prefers the expanded summary when the page carries both forms.
func brief(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		if v := strings.TrimSpace(found.Last().Text()); v != "" {
			return v
		}
	}
	return ""
}
