package simproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoFinalResult reports that a worker exited cleanly without printing a
// parseable final payload. Callers treat it as malformed worker output,
// distinct from a worker-reported negotiation failure.
var ErrNoFinalResult = errors.New("no final result in worker output")

// Trace lines are timestamp-prefixed diagnostics some workers emit on
// stdout; they are never part of the final result.
var traceLineRegex = regexp.MustCompile(`^\[?\d{4}-\d{2}-\d{2}[T ]|^\[?\d{2}:\d{2}:\d{2}`)

// IsRoundUpdate reports whether a line carries the progress tag
func IsRoundUpdate(line string) bool {
	return strings.HasPrefix(line, RoundUpdatePrefix)
}

// ParseRoundUpdate parses a tagged progress line. The grammar is strict:
// the tag must be followed by one JSON object. Malformed tagged lines are
// returned as errors so the bridge can log them instead of silently
// dropping progress.
func ParseRoundUpdate(line string) (*RoundUpdate, error) {
	if !IsRoundUpdate(line) {
		return nil, fmt.Errorf("line is not a round update")
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, RoundUpdatePrefix))
	var update RoundUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return nil, fmt.Errorf("malformed round update: %w", err)
	}
	return &update, nil
}

// IsTraceLine reports whether a line is a timestamped diagnostic
func IsTraceLine(line string) bool {
	return traceLineRegex.MatchString(line)
}

// FilterCandidateLines drops progress lines, trace lines and blanks,
// keeping only text that may contain the final result
func FilterCandidateLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || IsRoundUpdate(trimmed) || IsTraceLine(trimmed) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ExtractFinalResult scans accumulated worker output for the trailing JSON
// object and parses it as the final result. Earlier complete objects are
// skipped; the last one wins. Returns ErrNoFinalResult when no balanced
// object parses into a payload with a known outcome.
func ExtractFinalResult(lines []string) (*FinalResult, error) {
	text := strings.Join(FilterCandidateLines(lines), "\n")

	var lastErr error
	var result *FinalResult
	for _, span := range jsonObjectSpans(text) {
		var fr FinalResult
		if err := json.Unmarshal([]byte(span), &fr); err != nil {
			lastErr = err
			continue
		}
		if err := fr.Validate(); err != nil {
			lastErr = err
			continue
		}
		result = &fr
	}

	if result == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFinalResult, lastErr)
		}
		return nil, ErrNoFinalResult
	}
	return result, nil
}

// jsonObjectSpans returns every balanced JSON object opened at the start
// of a line, in order. Only line-leading braces begin a scan: a stray
// brace inside prose never swallows a later payload. The scan itself is
// string- and escape-aware so braces inside message bodies do not break
// the framing.
func jsonObjectSpans(text string) []string {
	var spans []string
	next := 0
	for _, start := range lineStartBraces(text) {
		if start < next {
			// Inside an object we already captured.
			continue
		}
		end := scanBalanced(text, start)
		if end == -1 {
			continue
		}
		spans = append(spans, text[start:end+1])
		next = end + 1
	}
	return spans
}

// lineStartBraces returns the offsets of every '{' that opens a line
func lineStartBraces(text string) []int {
	var starts []int
	lineStart := true
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '\n':
			lineStart = true
		case lineStart && (c == ' ' || c == '\t'):
			// keep looking past leading whitespace
		case lineStart && c == '{':
			starts = append(starts, i)
			lineStart = false
		default:
			lineStart = false
		}
	}
	return starts
}

// scanBalanced returns the index of the brace closing the object opened at
// start, or -1 if the object never closes
func scanBalanced(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
