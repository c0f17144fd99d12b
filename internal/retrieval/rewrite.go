package retrieval

import "regexp"

// DefaultImageHost serves the canonical copies of subject and photo images.
const DefaultImageHost = "img9.doubanio.com"

var (
	archivedHref  = regexp.MustCompile(`href="http[^"]+http`)
	subjectImgSrc = regexp.MustCompile(`src="[^"]+/(s\d+\.\w+)"`)
	photoImgSrc   = regexp.MustCompile(`src="[^"]+/(p\d+\.\w+)"`)
)

// RewriteSnapshotLinks strips archive prefixes from href attributes and
// points subject and photo images back at the image host.
func RewriteSnapshotLinks(body []byte, imageHost string) []byte {
	if imageHost == "" {
		imageHost = DefaultImageHost
	}
	out := archivedHref.ReplaceAll(body, []byte(`href="http`))
	out = subjectImgSrc.ReplaceAll(out, []byte(`src="https://`+imageHost+`/view/subject/m/public/$1"`))
	out = photoImgSrc.ReplaceAll(out, []byte(`src="https://`+imageHost+`/view/photo/m/public/$1"`))
	return out
}
