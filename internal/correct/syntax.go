package correct

import (
	"fmt"
	"strings"
)

// checkSyntax runs cheap structural checks for the detected language. These
// catch the gross failures a model produces when it truncates output; real
// validation is the critic's job.
func checkSyntax(language, code string) []Diagnostic {
	if language == LanguageUnknown || strings.TrimSpace(code) == "" {
		return nil
	}

	var diags []Diagnostic
	if d := checkBalance(language, code); d != nil {
		diags = append(diags, *d)
	}
	if language == "py" {
		diags = append(diags, checkPythonHeaders(code)...)
	}
	return diags
}

// lineComment returns the line-comment marker for a language, or "".
func lineComment(language string) string {
	switch language {
	case "py", "sh":
		return "#"
	case "js", "ts", "rs", "go", "java", "c", "cpp":
		return "//"
	}
	return ""
}

// checkBalance verifies that brackets pair up outside string literals and
// line comments.
func checkBalance(language, code string) *Diagnostic {
	comment := lineComment(language)
	var stack []byte
	var inString byte // 0, '\'', '"', '`'

	for _, line := range strings.Split(code, "\n") {
		for i := 0; i < len(line); i++ {
			ch := line[i]
			if inString != 0 {
				if ch == '\\' {
					i++
					continue
				}
				if ch == inString {
					inString = 0
				}
				continue
			}
			if comment != "" && strings.HasPrefix(line[i:], comment) {
				break
			}
			switch ch {
			case '\'', '"', '`':
				inString = ch
			case '(', '[', '{':
				stack = append(stack, ch)
			case ')', ']', '}':
				if len(stack) == 0 {
					return &Diagnostic{Kind: "syntax", Message: fmt.Sprintf("unmatched closing %q", string(ch))}
				}
				open := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if !pairs(open, ch) {
					return &Diagnostic{Kind: "syntax", Message: fmt.Sprintf("mismatched %q closed by %q", string(open), string(ch))}
				}
			}
		}
		// Single-quoted strings do not span lines in most languages; reset
		// to keep the check from cascading a false positive.
		if inString == '\'' || inString == '"' {
			inString = 0
		}
	}
	if len(stack) > 0 {
		return &Diagnostic{Kind: "syntax", Message: fmt.Sprintf("unclosed %q", string(stack[len(stack)-1]))}
	}
	return nil
}

func pairs(open, close byte) bool {
	switch open {
	case '(':
		return close == ')'
	case '[':
		return close == ']'
	case '{':
		return close == '}'
	}
	return false
}

// checkPythonHeaders flags block headers missing their trailing colon.
func checkPythonHeaders(code string) []Diagnostic {
	var diags []Diagnostic
	for n, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if !isPythonBlockHeader(trimmed) {
			continue
		}
		if strings.HasSuffix(trimmed, ":") || strings.HasSuffix(trimmed, "\\") {
			continue
		}
		// Headers continued across lines via open brackets are legal.
		if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
			continue
		}
		diags = append(diags, Diagnostic{
			Kind:    "syntax",
			Message: fmt.Sprintf("line %d: block header missing trailing colon", n+1),
		})
	}
	return diags
}

func isPythonBlockHeader(trimmed string) bool {
	for _, h := range []string{"def ", "class ", "if ", "elif ", "for ", "while ", "with ", "except "} {
		if strings.HasPrefix(trimmed, h) {
			return true
		}
	}
	for _, kw := range []string{"else", "try", "finally", "except"} {
		if trimmed == kw {
			return true
		}
	}
	return false
}
