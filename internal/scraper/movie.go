package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

func extractMovie(doc *goquery.Document, e *catalog.Entity) {
	e.Title = title(doc)
	e.Brief = brief(doc, `#link-report-intra .all`, `span[property="v:summary"]`)
	e.CoverURL = firstAttr(doc, "src", "#mainpic img")
	e.IMDbCode = imdbCode(doc)
	e.Attributes["year"] = strings.Trim(firstText(doc, "h1 span.year"), "()（）")
	e.Attributes["directors"] = labelled(doc, "导演")
	e.Attributes["genres"] = joinTexts(doc, `span[property="v:genre"]`)
}

// imdbCode reads the linked form first and falls back to the plain text label.
func imdbCode(doc *goquery.Document) string {
	if code := labelled(doc, "IMDb链接"); code != "" {
		return code
	}
	return labelled(doc, "IMDb")
}
