package dispatch

import "regexp"

// subst replaces every occurrence of the {placeholder} token with the
// contact's name. The token match is case-insensitive, so "{Nome}" and
// "{NOME}" personalize the same way.
type subst struct {
	re *regexp.Regexp
}

func newSubst(token string) subst {
	return subst{re: regexp.MustCompile(`(?i)\{` + regexp.QuoteMeta(token) + `\}`)}
}

func (s subst) apply(template, name string) string {
	return s.re.ReplaceAllLiteralString(template, name)
}
