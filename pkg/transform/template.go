package transform

import (
	"fmt"
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// renderOutputTopic substitutes `{{key}}` placeholders in tpl against data
// (spec.md 4.4: "output_topic is rendered by substituting {{key}}
// placeholders against {...payload, topic, brokerId}"). An unresolved
// placeholder is left as the literal empty string rather than erroring,
// since a malformed target should not block every other target of a rule.
func renderOutputTopic(tpl string, data map[string]interface{}) string {
	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := data[key]
		if !ok {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}
