package home

import (
	"embed"
	"html/template"

	"github.com/a-h/templ"

	"finitefield.org/hanko-login/internal/login/templates"
)

//go:embed *.tmpl
var files embed.FS

var pages = template.Must(templates.Parse(files, "*.tmpl"))

// Page renders the landing page shown after sign-in.
func Page(data PageData) templ.Component {
	return templates.Component(pages, "base", data)
}
