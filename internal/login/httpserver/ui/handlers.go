package ui

import (
	"net/http"

	"github.com/a-h/templ"

	custommw "finitefield.org/hanko-login/internal/login/httpserver/middleware"
	"finitefield.org/hanko-login/internal/login/templates"
	"finitefield.org/hanko-login/internal/login/templates/home"
)

// Handlers exposes the pages served behind authentication.
type Handlers struct {
	logoutPath string
}

// NewHandlers wires the UI handler set.
func NewHandlers(logoutPath string) *Handlers {
	if logoutPath == "" {
		logoutPath = "/logout"
	}
	return &Handlers{logoutPath: logoutPath}
}

// Home renders the application root for the signed-in user.
func (h *Handlers) Home(w http.ResponseWriter, r *http.Request) {
	user, ok := custommw.UserFromContext(r.Context())
	if !ok || user == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	payload := home.PageData{
		Base:        BaseFor(r, "home.title"),
		DisplayName: user.DisplayName,
		Email:       user.Email,
		LogoutPath:  h.logoutPath,
	}
	templ.Handler(home.Page(payload)).ServeHTTP(w, r)
}

// BaseFor collects the layout values for the current request.
func BaseFor(r *http.Request, titleKey string) templates.Base {
	ctx := r.Context()
	tr := custommw.TranslatorFromContext(ctx)
	return templates.Base{
		Lang:        tr.Lang(),
		Title:       tr.T(titleKey),
		Environment: custommw.EnvironmentFromContext(ctx),
		CSRFToken:   custommw.CSRFTokenFromContext(ctx),
		Tr:          tr,
	}
}
