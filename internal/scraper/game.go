package scraper

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/review-importer/internal/catalog"
)

func extractGame(doc *goquery.Document, e *catalog.Entity) {
	e.Title = title(doc)
	e.Brief = brief(doc, "#link-report .all", "#link-report p", ".mod.item-desc p")
	e.CoverURL = firstAttr(doc, "src", "#mainpic img", ".item-subject-info .pic img")
	e.Attributes["platforms"] = definition(doc, "平台")
	e.Attributes["genres"] = definition(doc, "类型")
	e.Attributes["developer"] = definition(doc, "开发商")
	e.Attributes["publisher"] = definition(doc, "发行商")
	e.Attributes["release_date"] = definition(doc, "发行日期")
}
