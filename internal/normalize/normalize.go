// Package normalize turns free-form model output into a single runnable
// Python script.
//
// Extraction never fails. When nothing in the text looks like code, a
// built-in wallet health check script is returned instead, or the trimmed
// input is passed through unchanged.
package normalize

import (
	"regexp"
	"strings"
)

// Strategy names the extraction step that produced a script.
type Strategy string

const (
	StrategyBare        Strategy = "bare"
	StrategySeparator   Strategy = "separator"
	StrategyFenced      Strategy = "fenced"
	StrategyLineScan    Strategy = "linescan"
	StrategyFallback    Strategy = "fallback"
	StrategyPassthrough Strategy = "passthrough"
)

// separatorPatterns are decorative runs models like to wrap code with.
var separatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`─{10,}`),
	regexp.MustCompile(`-{10,}`),
	regexp.MustCompile(`={10,}`),
	regexp.MustCompile(`_{10,}`),
	regexp.MustCompile(`═{10,}`),
}

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:python|py)?[ \\t]*\\n(.*?)\\n[ \\t]*```")
	separatorLinePattern = regexp.MustCompile(`^(?:─{10,}|-{10,}|={10,}|_{10,}|═{10,})`)
	pureSeparatorLine    = regexp.MustCompile(`^\s*(?:─{10,}|-{10,}|={10,}|_{10,}|═{10,})\s*$`)

	// statementPattern matches THRESHOLD = 5, URL: str = "..." or main().
	statementPattern = regexp.MustCompile(`^[A-Za-z_][\w.]*(?:\s*:\s*[^=]+?\s*=[^=]|\s*[-+*/|&]?=[^=]|\()`)
)

var unicodeFolds = strings.NewReplacer(
	"–", "-", // en dash
	"—", "-", // em dash
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
)

// preferredStarts mark the most likely first line of a script.
var preferredStarts = []string{
	"#!/",
	"import ",
	"from ",
	"def main()",
	"def run_",
	"def analyze_",
	"def check_",
}

var secondaryStarts = []string{
	"def ",
	"class ",
	"if __name__",
}

// proseMarkers end a line scan once enough code has been seen.
var proseMarkers = []string{
	"Usage Notes:",
	"How the",
	"Chain of",
	"This code",
	"The script",
	"Before running",
	"NOTE:",
	"Explanation:",
	"You can extend",
	"Install required",
	"Set the environment",
}

// proseHints in otherwise code-free text trigger the fallback script.
var proseHints = []string{
	"below is",
	"here is",
	"this code",
	"usage notes:",
	"how the",
}

var codeIndicators = []string{
	"import ", "def ", "print(", "if ", "for ", "class ", "return ", "try:",
}

// Script extracts a runnable script from raw model output.
func Script(raw string) string {
	code, _ := Extract(raw)
	return code
}

// Extract extracts a runnable script from raw model output and reports
// which strategy produced it.
func Extract(raw string) (string, Strategy) {
	text := unicodeFolds.Replace(raw)

	if isBareScript(text) {
		return Complete(strings.TrimSpace(text)), StrategyBare
	}

	for _, pattern := range separatorPatterns {
		parts := pattern.Split(text, -1)
		if len(parts) < 3 {
			continue
		}
		candidate := strings.TrimSpace(parts[1])
		if isValid(candidate) {
			return Complete(candidate), StrategySeparator
		}
	}

	for _, match := range fencePattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(match[1])
		if isValid(candidate) {
			return Complete(candidate), StrategyFenced
		}
	}

	if candidate, ok := scanLines(text); ok {
		return Complete(candidate), StrategyLineScan
	}

	lower := strings.ToLower(text)
	for _, hint := range proseHints {
		if strings.Contains(lower, hint) {
			return fallbackScript, StrategyFallback
		}
	}

	return strings.TrimSpace(text), StrategyPassthrough
}

// isBareScript reports whether text is already nothing but code: it starts
// like a script, has no fences or separator lines, and no prose trailer.
func isBareScript(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.Contains(trimmed, "```") || !isValid(trimmed) {
		return false
	}

	lines := strings.Split(trimmed, "\n")
	if !isCodeLine(strings.TrimSpace(lines[0])) {
		return false
	}

	// Prose markers count from the same offset scanLines uses, so a line
	// scan result is itself recognised as bare.
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if pureSeparatorLine.MatchString(stripped) {
			return false
		}
		if i >= 10 && hasAnyPrefix(stripped, proseMarkers...) {
			return false
		}
	}
	return true
}

// isCodeLine reports whether line can open a script: a comment, import,
// definition, decorator, docstring, or a top-level assignment or call.
func isCodeLine(line string) bool {
	if hasAnyPrefix(line, "#", "import ", "from ", "def ", "class ", "@", "if __name__", `"""`, `'''`) {
		return true
	}
	return statementPattern.MatchString(line)
}

func scanLines(text string) (string, bool) {
	lines := strings.Split(text, "\n")

	start := -1
	for i, line := range lines {
		if hasAnyPrefix(strings.TrimSpace(line), preferredStarts...) {
			start = i
			break
		}
	}
	if start < 0 {
		for i, line := range lines {
			if hasAnyPrefix(strings.TrimSpace(line), secondaryStarts...) {
				start = i
				break
			}
		}
	}
	if start < 0 {
		return "", false
	}

	end := len(lines)
	for i := start + 10; i < len(lines); i++ {
		stripped := strings.TrimSpace(lines[i])
		if hasAnyPrefix(stripped, proseMarkers...) && !strings.HasPrefix(stripped, "#") {
			end = i
			break
		}
		if separatorLinePattern.MatchString(stripped) {
			end = i
			break
		}
	}

	candidate := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
	if !isValid(candidate) {
		return "", false
	}
	return candidate, true
}

// isValid is the heuristic used to accept a candidate as code.
func isValid(code string) bool {
	if len(strings.TrimSpace(code)) < 20 {
		return false
	}

	hasIndicator := false
	for _, indicator := range codeIndicators {
		if strings.Contains(code, indicator) {
			hasIndicator = true
			break
		}
	}
	if !hasIndicator {
		return false
	}

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if i >= 5 {
			break
		}
		if hasAnyPrefix(strings.TrimSpace(line), "#!/", "import ", "from ") {
			return true
		}
	}
	for i, line := range lines {
		if i >= 10 {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), "def ") {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
