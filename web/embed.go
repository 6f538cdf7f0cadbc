// Package web embeds the static experiment pages. Page content is a
// collaborator of the flow engine, not part of it: the server only decides
// which page a participant may see, the pages themselves are plain files.
package web

import (
	"embed"
	"io/fs"
)

//go:embed all:pages
var pagesFS embed.FS

// Pages returns the embedded page filesystem rooted at the page directory.
func Pages() fs.FS {
	sub, err := fs.Sub(pagesFS, "pages")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return sub
}
