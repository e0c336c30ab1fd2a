// Package templates renders the server side pages. Page packages embed their
// own html/template files and parse them on top of the shared layout.
package templates

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"strings"

	"github.com/a-h/templ"

	"finitefield.org/hanko-login/internal/login/i18n"
)

//go:embed layout/*.tmpl
var layoutFS embed.FS

// Base carries the values every page needs from the layout.
type Base struct {
	Lang        string
	Title       string
	Environment string
	CSRFToken   string
	Tr          *i18n.Translator
}

// ShowEnvironment reports whether the environment badge should be visible.
func (b Base) ShowEnvironment() bool {
	switch strings.ToLower(strings.TrimSpace(b.Environment)) {
	case "", "production", "prod":
		return false
	default:
		return true
	}
}

// Parse builds a template set from the shared layout plus the files in fsys
// matching patterns.
func Parse(fsys fs.FS, patterns ...string) (*template.Template, error) {
	t, err := template.New("layout").ParseFS(layoutFS, "layout/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if _, err := t.ParseFS(fsys, patterns...); err != nil {
		return nil, fmt.Errorf("parse pages: %w", err)
	}
	return t, nil
}

// Component adapts a named template to templ so handlers can serve it through
// templ.Handler.
func Component(t *template.Template, name string, data any) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		return t.ExecuteTemplate(w, name, data)
	})
}
