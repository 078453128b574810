package pattern

import (
	"regexp"
	"strings"
)

// Identifier length bounds.
const (
	MinIdentifierLength        = 6
	MaxIdentifierLength        = 25
	MinNumericIdentifierLength = 10
)

var nonWord = regexp.MustCompile(`[^\w]`)

// Extractor finds candidate identifiers in free text. Candidate formats are
// tried in order against the upper-cased text.
type Extractor struct {
	formats  []*regexp.Regexp
	validate bool
}

// NewExtractor builds an Extractor over the given candidate formats. When
// validate is set, candidates must also pass ValidIdentifier.
func NewExtractor(validate bool, formats ...string) *Extractor {
	e := &Extractor{validate: validate}
	for _, f := range formats {
		e.formats = append(e.formats, regexp.MustCompile(f))
	}
	return e
}

// TrackingNumbers recognizes delivery and tracking numbers for the tool
// detector. Candidates are validated.
var TrackingNumbers = NewExtractor(true,
	`\b([A-Z]{2}\d{8,15})\b`,
	`\b(\d{10,20})\b`,
	`\b([A-Z0-9]{8,25})\b`,
	`\b([A-Z]{1,3}\d{6,15}[A-Z]{0,3})\b`,
)

// FlowIdentifiers recognizes identifiers supplied in reply to a
// solicitation. Candidates are not validated.
var FlowIdentifiers = NewExtractor(false,
	`\b[A-Z]{2}\d{8,12}\b`,
	`\b\d{10,15}\b`,
	`\b[A-Z0-9]{8,20}\b`,
)

// Extract returns the de-duplicated candidates in order of first appearance.
func (e *Extractor) Extract(text string) []string {
	upper := strings.ToUpper(text)
	seen := make(map[string]struct{})
	var out []string
	for _, re := range e.formats {
		for _, m := range re.FindAllStringSubmatch(upper, -1) {
			candidate := m[0]
			if len(m) > 1 {
				candidate = m[1]
			}
			candidate = nonWord.ReplaceAllString(candidate, "")
			if e.validate && !ValidIdentifier(candidate) {
				continue
			}
			if _, dup := seen[candidate]; dup {
				continue
			}
			seen[candidate] = struct{}{}
			out = append(out, candidate)
		}
	}
	return out
}

// First returns the first candidate found in text.
func (e *Extractor) First(text string) (string, bool) {
	ids := e.Extract(text)
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// ValidIdentifier applies the identifier format heuristic: length within
// [6,25], pure-numeric values need at least 10 digits, anything else must
// contain both a letter and a digit.
func ValidIdentifier(id string) bool {
	if len(id) < MinIdentifierLength || len(id) > MaxIdentifierLength {
		return false
	}
	letter, digit := hasLetter(id), hasDigit(id)
	if !letter {
		return digit && len(id) >= MinNumericIdentifierLength
	}
	return digit
}
