package correct

import (
	"regexp"
	"strings"
)

// LanguageUnknown disables syntactic checks; the critic still runs.
const LanguageUnknown = "unknown"

var fenceLang = regexp.MustCompile("(?m)^```([a-zA-Z+]+)\\s*$")

// fenceAliases maps fenced-block language tags to canonical names.
var fenceAliases = map[string]string{
	"py": "py", "python": "py", "python3": "py",
	"js": "js", "javascript": "js", "node": "js",
	"ts": "ts", "typescript": "ts",
	"rs": "rs", "rust": "rs",
	"go": "go", "golang": "go",
	"java": "java",
	"c":    "c",
	"cpp":  "cpp", "c++": "cpp", "cc": "cpp",
	"sh": "sh", "bash": "sh", "shell": "sh", "zsh": "sh",
}

// languageHints maps prose keywords to languages, checked in order so the
// more specific names win.
var languageHints = []struct {
	keyword  string
	language string
}{
	{"typescript", "ts"},
	{"javascript", "js"},
	{"python", "py"},
	{"rust", "rs"},
	{"golang", "go"},
	{" go ", "go"},
	{"java ", "java"},
	{"c++", "cpp"},
	{"bash", "sh"},
	{"shell script", "sh"},
}

// DetectLanguage scans a prompt for language hints: a fenced code block tag
// first, then prose keywords. Ambiguous prompts yield LanguageUnknown.
func DetectLanguage(prompt string) string {
	if m := fenceLang.FindStringSubmatch(prompt); m != nil {
		if lang, ok := fenceAliases[strings.ToLower(m[1])]; ok {
			return lang
		}
	}
	lower := " " + strings.ToLower(prompt) + " "
	for _, h := range languageHints {
		if strings.Contains(lower, h.keyword) {
			return h.language
		}
	}
	return LanguageUnknown
}

// ExtractCode pulls the contents of fenced triple-backtick blocks out of a
// model response, joined by blank lines. A response with no fences is
// treated as being code in its entirety.
func ExtractCode(response string) string {
	var blocks []string
	lines := strings.Split(response, "\n")
	var current []string
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inFence = !inFence
			continue
		}
		if inFence {
			current = append(current, line)
		}
	}
	if len(blocks) == 0 {
		return strings.TrimSpace(response)
	}
	return strings.TrimSpace(strings.Join(blocks, "\n\n"))
}
