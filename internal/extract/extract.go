// Package extract turns pasted free-form plans into one goal and an ordered
// task list using fixed lexical rules. It performs no I/O.
package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// MaxTasks caps the number of tasks returned for a single paste.
const MaxTasks = 10

// Result is an extraction proposal. HasGoal is false only for input without
// any non-blank line.
type Result struct {
	Goal    string   `json:"goal"`
	HasGoal bool     `json:"has_goal"`
	Tasks   []string `json:"tasks"`
}

// Proposable reports whether the result is worth offering to the user for saving.
func (r Result) Proposable() bool {
	return r.HasGoal && len(r.Tasks) > 0
}

var (
	numberedItem = regexp.MustCompile(`^\d+[).\s]`)

	goalPhrases = []string{
		"i want to",
		"my goal is",
		"i aim to",
		"i would like to",
		"objective:",
	}
	taskVerbs = []string{
		"learn ",
		"study ",
		"build ",
		"practice ",
		"implement ",
		"revise ",
		"read ",
		"understand ",
		"debug ",
		"verify ",
		"write ",
	}
	bulletMarkers = []string{"-", "*", "•"}
)

// Extract returns the goal and tasks found in text. It never fails.
func Extract(text string) Result {
	lines := nonBlankLines(text)
	res := Result{Tasks: []string{}}
	if goal, ok := findGoal(lines); ok {
		res.Goal, res.HasGoal = goal, true
	} else if len(lines) > 0 {
		res.Goal, res.HasGoal = Clean(lines[0]), true
	}
	res.Tasks = findTasks(lines)
	return res
}

// Clean strips list numbering and bullet markers, surrounding whitespace and
// one trailing period.
func Clean(s string) string {
	s = strings.TrimLeftFunc(s, isMarker)
	s = strings.TrimSpace(s)
	return strings.TrimSuffix(s, ".")
}

func isMarker(r rune) bool {
	switch r {
	case '-', '*', '.', ')', '•':
		return true
	}
	return unicode.IsDigit(r) || unicode.IsSpace(r)
}

// isLineBreak reports line separators found in pasted text, including bare
// carriage returns and the Unicode line and paragraph separators.
func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', '\x1c', '\x1d', '\x1e', '\u0085', '\u2028', '\u2029':
		return true
	}
	return false
}

func nonBlankLines(text string) []string {
	var out []string
	for _, l := range strings.FieldsFunc(text, isLineBreak) {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// findGoal applies the explicit goal rules line by line. An empty cleaned
// goal counts as no match so the caller falls back to the first line.
func findGoal(lines []string) (string, bool) {
	for i, line := range lines {
		low := strings.ToLower(line)
		switch {
		case low == "goal:" || low == "goal":
			if i+1 < len(lines) {
				return nonEmpty(Clean(lines[i+1]))
			}
			return "", false
		case strings.HasPrefix(low, "goal:"):
			_, rest, _ := strings.Cut(line, ":")
			return nonEmpty(Clean(rest))
		case hasAnyPrefix(low, goalPhrases):
			return nonEmpty(Clean(line))
		}
	}
	return "", false
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}

func findTasks(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	tasks := []string{}
	for _, line := range lines {
		if !isTaskLine(line) {
			continue
		}
		// a bare marker such as "-" or "1." cleans to nothing and is not a task
		t := Clean(line)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tasks = append(tasks, t)
		if len(tasks) == MaxTasks {
			break
		}
	}
	return tasks
}

func isTaskLine(line string) bool {
	if numberedItem.MatchString(line) {
		return true
	}
	if hasAnyPrefix(line, bulletMarkers) {
		return true
	}
	return hasAnyPrefix(strings.ToLower(line), taskVerbs)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
