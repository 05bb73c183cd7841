package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

// The marketing page ships inside the binary so the service deploys as a
// single artifact.
//
//go:embed static/*
var siteFS embed.FS

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(siteFS, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	return http.FileServer(http.FS(sub))
}
