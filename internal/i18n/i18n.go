// Package i18n renders user-facing messages in the caller's language.
//
// Messages come from an optional YAML bundle first and from the compiled-in
// catalog second. Both use fmt-style templates whose arguments are the
// Params of a domain.Error.
package i18n

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/tjfontaine/hospital-gateway/internal/domain"
)

// Supported lists the languages served, default first.
var Supported = []language.Tag{language.English, language.Arabic}

// Message keys with a built-in translation.
const (
	KeyAuthRequired       = "auth.required"
	KeyAuthExpired        = "auth.expired"
	KeyAuthInvalid        = "auth.invalid"
	KeyAuthInactive       = "auth.inactive"
	KeyAuthForbidden      = "auth.forbidden"
	KeyRateLimited        = "rate.limited"
	KeyComplexityExceeded = "complexity.exceeded"
	KeyUpstreamFailure    = "upstream.failure"
	KeyInternalError      = "internal.error"
	KeyRequestInvalid     = "request.invalid"
	KeyNotFound           = "not.found"
)

var fallback = map[language.Tag]map[string]string{
	language.English: {
		KeyAuthRequired:       "Authentication required",
		KeyAuthExpired:        "Your session has expired, please sign in again",
		KeyAuthInvalid:        "Invalid authentication token",
		KeyAuthInactive:       "This account has been deactivated",
		KeyAuthForbidden:      "You do not have permission to perform this action (requires %s)",
		KeyRateLimited:        "Too many requests, please retry in %v seconds",
		KeyComplexityExceeded: "Query is too complex: %v. Maximum allowed complexity: %v",
		KeyUpstreamFailure:    "The %s service is currently unavailable",
		KeyInternalError:      "An unexpected error occurred",
		KeyRequestInvalid:     "Invalid request: %s",
		KeyNotFound:           "%s %s was not found",
	},
	language.Arabic: {
		KeyAuthRequired:       "المصادقة مطلوبة",
		KeyAuthExpired:        "انتهت صلاحية الجلسة، يرجى تسجيل الدخول مرة أخرى",
		KeyAuthInvalid:        "رمز المصادقة غير صالح",
		KeyAuthInactive:       "تم تعطيل هذا الحساب",
		KeyAuthForbidden:      "ليس لديك صلاحية لتنفيذ هذا الإجراء (مطلوب %s)",
		KeyRateLimited:        "طلبات كثيرة جداً، يرجى المحاولة بعد %v ثانية",
		KeyComplexityExceeded: "الاستعلام معقد جداً: %v. الحد الأقصى المسموح به: %v",
		KeyUpstreamFailure:    "خدمة %s غير متاحة حالياً",
		KeyInternalError:      "حدث خطأ غير متوقع",
		KeyRequestInvalid:     "طلب غير صالح: %s",
		KeyNotFound:           "لم يتم العثور على %s %s",
	},
}

// Translator resolves message keys for a language.
type Translator struct {
	matcher  language.Matcher
	catalog  *catalog.Builder
	bundle   map[language.Tag]map[string]string
	printers map[language.Tag]*message.Printer
}

// New builds a translator. bundlePath is optional; a missing file is not an
// error.
func New(bundlePath string) (*Translator, error) {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range fallback {
		for key, msg := range msgs {
			if err := b.SetString(tag, key, msg); err != nil {
				return nil, fmt.Errorf("catalog %s/%s: %w", tag, key, err)
			}
		}
	}

	t := &Translator{
		matcher:  language.NewMatcher(Supported),
		catalog:  b,
		bundle:   map[language.Tag]map[string]string{},
		printers: map[language.Tag]*message.Printer{},
	}
	for _, tag := range Supported {
		t.printers[tag] = message.NewPrinter(tag, message.Catalog(b))
	}

	if bundlePath != "" {
		if err := t.loadBundle(bundlePath); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// loadBundle reads a YAML document of the form {<lang>: {<key>: <template>}}.
func (t *Translator) loadBundle(path string) error {
	// Keys contain dots, so use a delimiter that never appears in them.
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load i18n bundle %s: %w", path, err)
	}
	for _, tag := range Supported {
		msgs := k.StringMap(tag.String())
		if len(msgs) > 0 {
			t.bundle[tag] = msgs
		}
	}
	return nil
}

// Match picks the supported language for an Accept-Language header value.
func (t *Translator) Match(acceptLanguage string) language.Tag {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return Supported[0]
	}
	_, idx, conf := t.matcher.Match(prefs...)
	if conf == language.No {
		return Supported[0]
	}
	return Supported[idx]
}

// Message renders key in tag's language.
func (t *Translator) Message(tag language.Tag, key string, params ...any) string {
	tag = t.supported(tag)
	if tmpl, ok := t.bundle[tag][key]; ok {
		return fmt.Sprintf(tmpl, params...)
	}
	return t.printers[tag].Sprintf(key, plain(params)...)
}

// plain formats numeric params with fmt so the printer does not apply
// digit grouping or native digits to scores, limits and counts.
func plain(params []any) []any {
	out := make([]any, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			out[i] = fmt.Sprint(v)
		default:
			out[i] = p
		}
	}
	return out
}

// Has reports whether key has a translation.
func (t *Translator) Has(key string) bool {
	if _, ok := fallback[language.English][key]; ok {
		return true
	}
	_, ok := t.bundle[language.English][key]
	return ok
}

// Localize renders err for the caller. Domain errors use their key; any
// other error becomes the generic internal message.
func (t *Translator) Localize(tag language.Tag, err error) string {
	e, ok := domain.AsError(err)
	if !ok {
		return t.Message(tag, KeyInternalError)
	}
	if e.Key == "" || !t.Has(e.Key) || len(e.Params) < t.arity(e.Key) {
		if e.Kind == domain.KindInternal {
			return t.Message(tag, KeyInternalError)
		}
		return e.Message
	}
	return t.Message(tag, e.Key, e.Params...)
}

func (t *Translator) supported(tag language.Tag) language.Tag {
	if _, ok := t.printers[tag]; ok {
		return tag
	}
	base, _ := tag.Base()
	for _, s := range Supported {
		if sb, _ := s.Base(); sb == base {
			return s
		}
	}
	return Supported[0]
}

// arity counts the formatting verbs of the English template for key.
func (t *Translator) arity(key string) int {
	tmpl, ok := t.bundle[language.English][key]
	if !ok {
		tmpl = fallback[language.English][key]
	}
	return strings.Count(tmpl, "%") - 2*strings.Count(tmpl, "%%")
}
