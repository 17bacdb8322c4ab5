package api

import (
	"embed"
	"io/fs"
)

//go:embed static/console.html
var apiStaticFS embed.FS

// consoleFS exposes a sub-filesystem rooted at static/.
var consoleFS fs.FS = func() fs.FS {
	sub, err := fs.Sub(apiStaticFS, "static")
	if err != nil {
		return apiStaticFS
	}
	return sub
}()
