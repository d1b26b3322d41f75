// Package i18n localizes the few user-facing messages the auth endpoints
// return. Only the generic internal error varies by language; the other
// error strings are part of the API contract and stay in English.
package i18n

import (
	"net/http"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys
const (
	KeyInternalError = "error.internal"
)

var supported = []language.Tag{
	language.English, // first entry is the fallback
	language.Japanese,
}

var messages = map[language.Tag]map[string]string{
	language.English: {
		KeyInternalError: "Something went wrong while signing you in. Please try again later.",
	},
	language.Japanese: {
		KeyInternalError: "サインイン中にエラーが発生しました。しばらくしてから再度お試しください。",
	},
}

// Localizer picks messages for a request's preferred language
type Localizer struct {
	matcher language.Matcher
	catalog catalog.Catalog
}

// New builds the localizer with the embedded messages
func New() *Localizer {
	b := catalog.NewBuilder(catalog.Fallback(supported[0]))
	for tag, msgs := range messages {
		for key, msg := range msgs {
			// SetString only fails for malformed messages, which would be caught by the tests
			_ = b.SetString(tag, key, msg)
		}
	}
	return &Localizer{
		matcher: language.NewMatcher(supported),
		catalog: b,
	}
}

// Tag returns the best supported language for an Accept-Language header value
func (l *Localizer) Tag(acceptLanguage string) language.Tag {
	acceptLanguage = strings.TrimSpace(acceptLanguage)
	if acceptLanguage == "" {
		return supported[0]
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return supported[0]
	}
	_, idx, conf := l.matcher.Match(tags...)
	if conf == language.No {
		return supported[0]
	}
	return supported[idx]
}

// Message returns key translated for tag
func (l *Localizer) Message(tag language.Tag, key string) string {
	p := message.NewPrinter(tag, message.Catalog(l.catalog))
	return p.Sprintf(key)
}

// ForRequest returns key in the language preferred by r
func (l *Localizer) ForRequest(r *http.Request, key string) string {
	return l.Message(l.Tag(r.Header.Get("Accept-Language")), key)
}
