// Package i18n holds the screen copy and error messages in every supported
// language and picks one from the Accept-Language header.
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"finitefield.org/hanko-login/internal/login/identity"
)

// DefaultLanguage is used when nothing better matches the request.
const DefaultLanguage = "pt-BR"

//go:embed locales/*.json
var localeFS embed.FS

// Bundle holds the loaded catalogs and the matcher used to pick among them.
type Bundle struct {
	dict     map[string]map[string]string
	fallback string
	tags     []language.Tag
	names    []string
	matcher  language.Matcher
}

// Load reads the embedded catalogs for supported. The fallback language must be
// present; missing non-default catalogs are skipped. The fallback is passed
// through Normalize, so "pt-br" loads the pt-BR catalog.
func Load(fallback string, supported []string) (*Bundle, error) {
	if fallback == "" {
		fallback = DefaultLanguage
	}
	if name, ok := Normalize(fallback); ok {
		fallback = name
	}
	if len(supported) == 0 {
		supported = []string{"pt-BR", "en"}
	}

	b := &Bundle{
		dict:     map[string]map[string]string{},
		fallback: fallback,
	}

	// the matcher treats its first tag as the fallback
	ordered := append([]string{fallback}, supported...)
	seen := map[string]struct{}{}
	for _, name := range ordered {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", name, err)
		}
		raw, err := localeFS.ReadFile("locales/" + name + ".json")
		if err != nil {
			if name == fallback {
				return nil, fmt.Errorf("load locale %s: %w", name, err)
			}
			continue
		}
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		b.dict[name] = m
		b.tags = append(b.tags, tag)
		b.names = append(b.names, name)
	}
	b.matcher = language.NewMatcher(b.tags)
	return b, nil
}

var (
	defaultOnce   sync.Once
	defaultBundle *Bundle
)

// Default returns the bundle built from every embedded catalog.
func Default() *Bundle {
	defaultOnce.Do(func() {
		b, err := Load(DefaultLanguage, nil)
		if err != nil {
			panic(fmt.Sprintf("i18n: load embedded catalogs: %v", err))
		}
		defaultBundle = b
	})
	return defaultBundle
}

// Supported lists the loaded languages in lexical order.
func (b *Bundle) Supported() []string {
	out := append([]string(nil), b.names...)
	sort.Strings(out)
	return out
}

// T returns the translation for key in lang, falling back to the default
// language and finally to key itself.
func (b *Bundle) T(lang, key string) string {
	if m, ok := b.dict[lang]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := b.dict[b.fallback]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}

// Resolve chooses the best supported language for an Accept-Language header.
func (b *Bundle) Resolve(acceptLang string) string {
	tags, _, err := language.ParseAcceptLanguage(acceptLang)
	if err != nil || len(tags) == 0 {
		return b.fallback
	}
	_, index, confidence := b.matcher.Match(tags...)
	if confidence == language.No || index < 0 || index >= len(b.names) {
		return b.fallback
	}
	return b.names[index]
}

// Normalize maps a language tag onto the name of an embedded catalog. Case is
// ignored and a regional variant falls back to a catalog sharing its base
// language, so "en-US" resolves to "en". It reports false when no catalog fits.
func Normalize(name string) (string, bool) {
	tag, err := language.Parse(strings.TrimSpace(name))
	if err != nil {
		return "", false
	}
	available := catalogNames()
	for _, candidate := range available {
		if strings.EqualFold(candidate, tag.String()) {
			return candidate, true
		}
	}
	base, _ := tag.Base()
	for _, candidate := range available {
		ctag, err := language.Parse(candidate)
		if err != nil {
			continue
		}
		if cbase, _ := ctag.Base(); cbase == base {
			return candidate, true
		}
	}
	return "", false
}

func catalogNames() []string {
	matches, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(path.Base(m), ".json"))
	}
	sort.Strings(names)
	return names
}

// Translator renders messages for a single language.
type Translator struct {
	bundle *Bundle
	lang   string
}

// NewTranslator binds bundle to lang. A nil bundle uses Default.
func NewTranslator(bundle *Bundle, lang string) *Translator {
	if bundle == nil {
		bundle = Default()
	}
	if _, ok := bundle.dict[lang]; !ok {
		lang = bundle.fallback
	}
	return &Translator{bundle: bundle, lang: lang}
}

// Lang reports the language the translator renders.
func (t *Translator) Lang() string { return t.lang }

// T returns the translation for key.
func (t *Translator) T(key string) string {
	return t.bundle.T(t.lang, key)
}

// Message turns a sign-in failure into user facing text.
func (t *Translator) Message(err error) string {
	if err == nil {
		return ""
	}
	key := "error." + string(identity.CodeOf(err))
	if msg := t.T(key); msg != key {
		return msg
	}
	return t.T("error." + string(identity.CodeUnknown))
}
