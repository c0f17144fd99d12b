package scraper

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

func extractMusic(doc *goquery.Document, e *catalog.Entity) {
	e.Title = title(doc)
	e.Brief = brief(doc, "#link-report .all", "#link-report span")
	e.CoverURL = firstAttr(doc, "src", "#mainpic img")
	e.Barcode = labelled(doc, "条形码")
	e.Attributes["artist"] = labelled(doc, "表演者")
	e.Attributes["release_date"] = labelled(doc, "发行时间")
	e.Attributes["genre"] = labelled(doc, "流派")
	e.Attributes["media"] = labelled(doc, "介质")
}
