package logging

import "regexp"

const redacted = "[REDACTED]"

// Sanitizer redacts credentials from free text.
type Sanitizer struct {
	patterns []*regexp.Regexp
}

func NewSanitizer() *Sanitizer {
	raw := []string{
		`sk-ant-[a-zA-Z0-9_-]{20,}`,
		`sk-[A-Za-z0-9_-]{20,}`,
		`AIza[a-zA-Z0-9_-]{35}`,
		`gh[pousr]_[A-Za-z0-9]{36}`,
		`github_pat_[A-Za-z0-9_]{22,}`,
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		`(?i)(api[_-]?key|secret|token|password)(["'\s:=]+)[^\s"']{8,}`,
	}
	s := &Sanitizer{}
	for _, p := range raw {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}
	return s
}

// Sanitize replaces every credential-looking substring.
func (s *Sanitizer) Sanitize(input string) string {
	out := input
	for i, re := range s.patterns {
		if i == len(s.patterns)-1 {
			out = re.ReplaceAllString(out, "${1}${2}"+redacted)
			continue
		}
		out = re.ReplaceAllString(out, redacted)
	}
	return out
}
