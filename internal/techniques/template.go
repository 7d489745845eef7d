package techniques

import "strings"

// Render substitutes named {placeholders} in a rule-table text template.
// Placeholders with no entry in the parameter map are left verbatim, so a
// typo in a custom rule table is visible in the output instead of silently
// vanishing.
func Render(template string, params map[string]string) string {
	if len(params) == 0 {
		return template
	}
	pairs := make([]string, 0, len(params)*2)
	for key, value := range params {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
