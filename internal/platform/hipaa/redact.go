package hipaa

import (
	"regexp"
	"strings"
)

// Category names a class of identifier removed by the Redactor.
type Category string

const (
	CategoryPhone Category = "PHONE"
	CategoryEmail Category = "EMAIL"
	CategorySSN   Category = "SSN"
	CategoryDate  Category = "DATE"
)

// Entity is one identifier found during redaction. Entities carry the
// original value and must never be persisted or logged.
type Entity struct {
	Type  Category
	Value string
	Start int
	End   int
}

// Placeholder returns the token that replaces values of the given category.
func Placeholder(c Category) string {
	return "[REDACTED_" + string(c) + "]"
}

type matcher struct {
	category Category
	re       *regexp.Regexp
	// settle, when set, replaces re after the first pass. It lets a match
	// span placeholders written by earlier matchers.
	settle *regexp.Regexp
}

// placeholderRun matches any category placeholder.
const placeholderRun = `\[REDACTED_[A-Z]+\]`

// Redactor strips Safe Harbor identifiers (phone numbers, email addresses,
// SSNs, calendar dates) from free text. Matchers run in a fixed order and
// replacement is by value, so a placeholder written by one matcher is never
// re-matched by another.
type Redactor struct {
	matchers []matcher
}

func NewRedactor() *Redactor {
	return &Redactor{matchers: []matcher{
		{category: CategoryPhone, re: regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
		{
			category: CategoryEmail,
			re:       regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),
			settle: regexp.MustCompile(`(?i)(?:[a-z0-9._%+-]|` + placeholderRun + `)+@` +
				`(?:[a-z0-9.-]|` + placeholderRun + `)+\.[a-z]{2,}\b`),
		},
		{category: CategorySSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{category: CategoryDate, re: regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`)},
	}}
}

// Redact returns raw with every identifier replaced by its category
// placeholder, plus the identifiers found. Offsets of the first pass refer to
// raw; the settle passes that follow (needed only when a replacement exposes
// a new match) report offsets into the partially redacted text.
func (r *Redactor) Redact(raw string) (string, []Entity) {
	var entities []Entity
	redacted := raw

	for _, m := range r.matchers {
		for _, loc := range m.re.FindAllStringIndex(raw, -1) {
			value := raw[loc[0]:loc[1]]
			entities = append(entities, Entity{Type: m.category, Value: value, Start: loc[0], End: loc[1]})
			redacted = strings.ReplaceAll(redacted, value, Placeholder(m.category))
		}
	}

	for pass := 0; pass < len(r.matchers); pass++ {
		changed := false
		for _, m := range r.matchers {
			re := m.re
			if m.settle != nil {
				re = m.settle
			}
			text := redacted
			for _, loc := range re.FindAllStringIndex(text, -1) {
				value := text[loc[0]:loc[1]]
				entities = append(entities, Entity{Type: m.category, Value: value, Start: loc[0], End: loc[1]})
				redacted = strings.ReplaceAll(redacted, value, Placeholder(m.category))
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return redacted, entities
}
