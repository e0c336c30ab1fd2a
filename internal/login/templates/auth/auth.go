package auth

import (
	"embed"
	"html/template"

	"github.com/a-h/templ"

	"finitefield.org/hanko-login/internal/login/templates"
)

//go:embed *.tmpl
var files embed.FS

var pages = template.Must(templates.Parse(files, "*.tmpl"))

// LoginPage renders the full login document.
func LoginPage(data LoginPageData) templ.Component {
	return templates.Component(pages, "base", data)
}

// LoginFeedback renders only the message region swapped in by htmx.
func LoginFeedback(data LoginPageData) templ.Component {
	return templates.Component(pages, "feedback", data)
}
