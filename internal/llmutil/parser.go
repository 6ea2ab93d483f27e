// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick; raw strings cannot hold one.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
	// codeBlockRegex extracts content wrapped in markdown with any language tag.
	codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")
)

// ParseJSONResponse parses an LLM response into T. It tolerates markdown
// fences and conversational text around the JSON payload.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := extractJSON(strings.TrimSpace(response))

	var result T
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(payload, 500))
	}
	return &result, nil
}

func extractJSON(response string) string {
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	if isObject {
		first, last := strings.Index(response, "{"), strings.LastIndex(response, "}")
		if first != -1 && last > first {
			return response[first : last+1]
		}
	}
	if isArray {
		first, last := strings.Index(response, "["), strings.LastIndex(response, "]")
		if first != -1 && last > first {
			return response[first : last+1]
		}
	}
	return response
}

// CleanCodeOutput removes a surrounding markdown fence, if any.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if matches := codeBlockRegex.FindStringSubmatch(content); len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
	}
	return content
}

// listMarkers are stripped from the start of every task line.
const listMarkers = "-•* \t0123456789."

// ParseTaskList turns a line-oriented oracle answer into an ordered task list.
// Bullets and numbering are stripped, blank lines dropped, exact duplicates
// removed (first occurrence wins) and the result capped at limit entries.
// A limit of zero or less means no cap.
func ParseTaskList(text string, limit int) []string {
	text = CleanCodeOutput(text)
	seen := make(map[string]struct{})
	var tasks []string
	for _, line := range strings.Split(text, "\n") {
		task := strings.TrimSpace(strings.TrimLeft(line, listMarkers))
		if task == "" {
			continue
		}
		if _, dup := seen[task]; dup {
			continue
		}
		seen[task] = struct{}{}
		tasks = append(tasks, task)
		if limit > 0 && len(tasks) == limit {
			break
		}
	}
	return tasks
}

// Truncate shortens s to at most maxRunes runes, appending "..." when cut.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "..."
}

// Flatten replaces newlines with spaces and truncates, for one-line log and
// history entries.
func Flatten(s string, maxRunes int) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return Truncate(s, maxRunes)
}
