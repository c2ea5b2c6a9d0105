package aigateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON returns the first complete JSON object or array embedded in
// text. Models wrap JSON in prose and code fences; this walks the brackets
// with string/escape awareness instead of trusting the whole body.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	open := text[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return "", fmt.Errorf("extracted block is not valid JSON")
				}
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("unterminated JSON block in response")
}

// DecodeJSON extracts and unmarshals the first JSON block into out
func DecodeJSON(text string, out any) error {
	block, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(block), out); err != nil {
		return fmt.Errorf("decode extracted JSON: %w", err)
	}
	return nil
}
