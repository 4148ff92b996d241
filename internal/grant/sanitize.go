package grant

import "github.com/microcosm-cc/bluemonday"

// Sanitizer strips markup from script-supplied prompt text. Titles and
// descriptions come straight from untrusted script metadata and end up in
// the confirmation UI, so they pass through a strict policy first.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer creates a strict (no tags) sanitizer.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean sanitizes one string.
func (s *Sanitizer) Clean(text string) string {
	return s.policy.Sanitize(text)
}

// CleanPairs sanitizes prompt metadata rows in place-safe copy.
func (s *Sanitizer) CleanPairs(pairs []MetadataPair) []MetadataPair {
	if len(pairs) == 0 {
		return nil
	}
	out := make([]MetadataPair, len(pairs))
	for i, p := range pairs {
		out[i] = MetadataPair{Key: s.Clean(p.Key), Value: s.Clean(p.Value)}
	}
	return out
}
