// Package web embeds the browser UI shell served at /.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var staticFiles embed.FS

// Static returns the embedded UI files rooted at the static directory.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
