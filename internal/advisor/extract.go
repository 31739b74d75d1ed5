package advisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON indicates no balanced JSON object was found in the response text.
var ErrNoJSON = errors.New("no JSON object in advisor response")

// ExtractJSON returns the first balanced {...} object from text. Advisor
// models routinely prepend prose to their structured output; everything
// before the first brace and after its match is discarded. String literals
// and escapes inside the object are honored.
func ExtractJSON(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.RawMessage(text[start : i+1]), nil
			}
		}
	}
	return nil, ErrNoJSON
}

// ParseVerdict decodes and validates an advisor response. The action must be
// one of approve/reject/hold, the reason non-empty and the confidence within
// [0,1]; anything else is a parse error and the advisor counts as absent.
func ParseVerdict(text string) (*Verdict, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, NewError(KindParse, err)
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, NewError(KindParse, fmt.Errorf("decode verdict: %w", err))
	}

	v.Action = Action(strings.ToLower(string(v.Action)))
	if !v.Action.Valid() {
		return nil, NewError(KindParse, fmt.Errorf("invalid action %q", v.Action))
	}
	if strings.TrimSpace(v.Reason) == "" {
		return nil, NewError(KindParse, errors.New("empty reason"))
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, NewError(KindParse, fmt.Errorf("confidence %.3f out of range", v.Confidence))
	}
	return &v, nil
}
