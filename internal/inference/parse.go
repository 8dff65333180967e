package inference

import (
	"encoding/json"
	"strings"
)

// ClassifierResult is the tagged outcome of parsing raw classifier output.
// Exactly one of Valid/Invalid applies; raw model text never reaches SQL
// parameters.
type ClassifierResult struct {
	Valid          bool
	Classification Classification
	Raw            string
}

// classifierPayload mirrors the JSON object a well-behaved classifier
// emits. Pointers distinguish missing keys from zero values.
type classifierPayload struct {
	Flagged  *bool    `json:"flagged"`
	Score    *float64 `json:"score"`
	Category *string  `json:"category"`
}

// ParseClassifierOutput parses free-form classifier output defensively.
// Strict JSON is tried first; on failure a single repair pass extracts the
// first {...} substring and retries. Missing keys default to
// {flagged:false, score:0, category:null}; score is clamped to [0,1].
// A second parse failure yields an Invalid result carrying the raw text.
func ParseClassifierOutput(raw string) ClassifierResult {
	if payload, ok := tryParse(raw); ok {
		return ClassifierResult{Valid: true, Classification: normalize(payload)}
	}

	// Repair pass: models often wrap the object in prose or code fences
	if repaired, ok := extractObject(raw); ok {
		if payload, ok := tryParse(repaired); ok {
			return ClassifierResult{Valid: true, Classification: normalize(payload)}
		}
	}

	return ClassifierResult{Valid: false, Raw: raw}
}

func tryParse(s string) (classifierPayload, bool) {
	var payload classifierPayload
	dec := json.NewDecoder(strings.NewReader(s))
	if err := dec.Decode(&payload); err != nil {
		return classifierPayload{}, false
	}
	// Anything but a JSON object decodes into the zero payload without
	// error; require at least an object opener.
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return classifierPayload{}, false
	}
	return payload, true
}

// extractObject returns the first balanced {...} substring.
func extractObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return s[start : i+1], true
			}
		}
	}

	// Unbalanced: take everything from the first brace and let the JSON
	// decoder have the final word.
	return s[start:], true
}

func normalize(payload classifierPayload) Classification {
	c := Classification{}
	if payload.Flagged != nil {
		c.Flagged = *payload.Flagged
	}
	if payload.Score != nil {
		c.Score = clamp01(*payload.Score)
	}
	if payload.Category != nil && *payload.Category != "" {
		c.Category = payload.Category
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
