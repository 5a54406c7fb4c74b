package web

import (
	"embed"
	"html/template"
)

// templateFiles bundles the watch, index, and error pages.
//
//go:embed templates/*
var templateFiles embed.FS

// Templates parses the bundled HTML templates.
func Templates() (*template.Template, error) {
	return template.ParseFS(templateFiles, "templates/*.html")
}
