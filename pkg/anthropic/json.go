package anthropic

import (
	"encoding/json"
	"regexp"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/rotisserie/eris"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// DecodeJSON unmarshals model output into v. Markdown fences and prose around
// the first object are stripped, and malformed JSON (single quotes, trailing
// commas, unclosed braces) is repaired before decoding.
func DecodeJSON(text string, v any) error {
	s := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}
	if s == "" {
		return eris.New("anthropic: empty response")
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.RepairJSON(s)
	if err != nil {
		return eris.Wrap(err, "anthropic: repair json")
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return eris.Wrap(err, "anthropic: decode repaired json")
	}
	return nil
}
