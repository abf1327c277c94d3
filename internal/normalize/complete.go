package normalize

import (
	"regexp"
	"sort"
	"strings"
)

const dotenvImport = "from dotenv import load_dotenv"

// importRule maps a usage pattern to the import statement it needs.
type importRule struct {
	module    string
	statement string
	usage     *regexp.Regexp
}

var importRules = []importRule{
	{module: "re", statement: "import re", usage: regexp.MustCompile(`\bre\.`)},
	{module: "os", statement: "import os", usage: regexp.MustCompile(`\bos\.|(?:^|[^.\w])getenv\(`)},
	{module: "json", statement: "import json", usage: regexp.MustCompile(`\bjson\.|(?:^|[^.\w])(?:dumps|loads)\(`)},
	{module: "time", statement: "import time", usage: regexp.MustCompile(`\btime\.|(?:^|[^.\w])sleep\(`)},
	{module: "requests", statement: "import requests", usage: regexp.MustCompile(`\brequests\.|(?:^|[^.\w])(?:get|post)\(`)},
	{module: "logging", statement: "import logging", usage: regexp.MustCompile(`\blogging\.`)},
	{module: "dotenv", statement: dotenvImport, usage: regexp.MustCompile(`\bload_dotenv\b`)},
}

var dotenvCall = regexp.MustCompile(`(?m)^[^#\n]*\bload_dotenv\(`)

// Complete adds the imports a script uses but does not declare, and a
// load_dotenv() call when dotenv is imported but never invoked. It is
// idempotent.
func Complete(code string) string {
	lines := strings.Split(code, "\n")

	importEnd := 0
scan:
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(stripped, "import ") || strings.HasPrefix(stripped, "from "):
			importEnd = i + 1
		case strings.HasPrefix(stripped, "#!"):
			importEnd = i + 1
		case stripped != "" && !strings.HasPrefix(stripped, "#"):
			break scan
		}
	}

	var missing []string
	for _, rule := range importRules {
		if rule.usage.MatchString(code) && !hasImport(lines, rule.module) {
			missing = append(missing, rule.statement)
		}
	}
	sort.Strings(missing)

	if len(missing) > 0 {
		var out []string
		if importEnd < len(lines) {
			out = append(out, lines[:importEnd]...)
			out = append(out, missing...)
			out = append(out, "")
			out = append(out, lines[importEnd:]...)
		} else {
			out = append(append(out, lines...), missing...)
		}
		lines = out
	}

	result := strings.TrimSpace(strings.Join(lines, "\n"))

	if strings.Contains(result, dotenvImport) && !dotenvCall.MatchString(result) {
		result = insertDotenvCall(result)
	}
	return result
}

// hasImport recognises "import m", "import m as x", "import a, m" and
// "from m import ..." (including submodules of m).
func hasImport(lines []string, module string) bool {
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(stripped, "from "); ok {
			name, _, _ := strings.Cut(rest, " ")
			if name == module || strings.HasPrefix(name, module+".") {
				return true
			}
			continue
		}
		rest, ok := strings.CutPrefix(stripped, "import ")
		if !ok {
			continue
		}
		for _, part := range strings.Split(rest, ",") {
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == module || strings.HasPrefix(fields[0], module+".") {
				return true
			}
		}
	}
	return false
}

func insertDotenvCall(code string) string {
	lines := strings.Split(code, "\n")

	insertAt := 0
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "import ") || strings.HasPrefix(stripped, "from ") {
			insertAt = i + 1
			continue
		}
		if stripped != "" && !strings.HasPrefix(stripped, "#") {
			break
		}
	}

	out := make([]string, 0, len(lines)+2)
	out = append(out, lines[:insertAt]...)
	out = append(out, "", "load_dotenv()")
	out = append(out, lines[insertAt:]...)
	return strings.Join(out, "\n")
}
