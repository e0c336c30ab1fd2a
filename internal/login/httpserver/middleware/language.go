package middleware

import (
	"context"
	"net/http"

	"finitefield.org/hanko-login/internal/login/i18n"
)

type languageContextKey struct{}

// Language resolves the Accept-Language header against bundle and stores a
// translator for the chosen language on the request context.
func Language(bundle *i18n.Bundle) func(http.Handler) http.Handler {
	if bundle == nil {
		bundle = i18n.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lang := bundle.Resolve(r.Header.Get("Accept-Language"))
			w.Header().Add("Vary", "Accept-Language")
			ctx := context.WithValue(r.Context(), languageContextKey{}, i18n.NewTranslator(bundle, lang))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TranslatorFromContext returns the request translator or one for the default language.
func TranslatorFromContext(ctx context.Context) *i18n.Translator {
	if ctx != nil {
		if tr, ok := ctx.Value(languageContextKey{}).(*i18n.Translator); ok && tr != nil {
			return tr
		}
	}
	return i18n.NewTranslator(nil, i18n.DefaultLanguage)
}
