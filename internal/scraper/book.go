package scraper

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

func extractBook(doc *goquery.Document, e *catalog.Entity) {
	e.Title = title(doc)
	e.Brief = brief(doc, "#link-report .all .intro", "#link-report .intro")
	e.CoverURL = firstAttr(doc, "src", "#mainpic img")
	e.ISBN = labelled(doc, "ISBN")
	e.Attributes["subtitle"] = labelled(doc, "副标题")
	e.Attributes["author"] = labelled(doc, "作者")
	e.Attributes["publisher"] = labelled(doc, "出版社")
	e.Attributes["pub_year"] = labelled(doc, "出版年")
	e.Attributes["pages"] = labelled(doc, "页数")
	e.Attributes["price"] = labelled(doc, "定价")
}
