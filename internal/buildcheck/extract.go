package buildcheck

import (
	"regexp"
	"strconv"
	"strings"
)

// Error extraction is line-oriented: a record opens on a recognized
// error-start marker, accumulates message lines, and closes on a blank line
// or the next file marker. Two complementary location patterns cover the
// toolchain-native form (path:line:col) and the framework form (path(line,col)).
var (
	// ./src/components/Foo.tsx:12:5
	colonLocRe = regexp.MustCompile(`^(\.?/?[\w./\[\]-]+\.(?:tsx?|jsx?|css|mjs|json)):(\d+)(?::(\d+))?`)
	// ./src/components/Foo.tsx(12,5)
	parenLocRe = regexp.MustCompile(`^(\.?/?[\w./\[\]-]+\.(?:tsx?|jsx?|css|mjs|json))\((\d+),(\d+)\)`)

	errorStartRe = regexp.MustCompile(`(?i)^\s*(error|type error|syntax error|failed to compile|module not found)`)
)

// ExtractErrors parses raw build output into at most MaxCompileErrors
// structured records.
func ExtractErrors(output string) []CompileError {
	var errors []CompileError
	var current *CompileError

	flush := func() {
		if current != nil && current.Message != "" {
			current.Message = strings.TrimSpace(current.Message)
			errors = append(errors, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(output, "\n") {
		if len(errors) >= MaxCompileErrors {
			break
		}
		trimmed := strings.TrimSpace(line)

		// Blank line closes the open record.
		if trimmed == "" {
			flush()
			continue
		}

		// A file marker either opens a new record or attaches a location to
		// the open one.
		if file, lineNum, ok := matchLocation(trimmed); ok {
			if current != nil && current.File == "" {
				current.File = file
				current.Line = lineNum
				continue
			}
			flush()
			current = &CompileError{File: file, Line: lineNum}
			continue
		}

		if errorStartRe.MatchString(trimmed) {
			if current == nil {
				current = &CompileError{}
			}
			if current.Message != "" {
				current.Message += " "
			}
			current.Message += trimmed
			continue
		}

		// Continuation line for an open record.
		if current != nil {
			if current.Message != "" {
				current.Message += " "
			}
			current.Message += trimmed
		}
	}
	flush()

	if len(errors) > MaxCompileErrors {
		errors = errors[:MaxCompileErrors]
	}
	return errors
}

func matchLocation(line string) (string, int, bool) {
	if m := colonLocRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n, true
	}
	if m := parenLocRe.FindStringSubmatch(line); m != nil {
		n, _ := strconv.Atoi(m[2])
		return m[1], n, true
	}
	return "", 0, false
}

// Summarize renders at most max errors as a compact prompt-ready block.
func Summarize(errors []CompileError, max int) string {
	if max <= 0 || max > len(errors) {
		max = len(errors)
	}
	var sb strings.Builder
	for i := 0; i < max; i++ {
		e := errors[i]
		if e.File != "" {
			sb.WriteString(e.File)
			if e.Line > 0 {
				sb.WriteString(":" + strconv.Itoa(e.Line))
			}
			sb.WriteString(": ")
		}
		sb.WriteString(e.Message)
		sb.WriteString("\n")
	}
	return sb.String()
}
