package generate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Normalize applies mechanical corrections to a generated source file before
// it hits disk: the client directive for hook-using components and missing
// React hook imports. Generators get these wrong often enough that fixing
// them up front saves a repair iteration.
func Normalize(path, content string) string {
	if !isComponentFile(path) {
		return content
	}
	content = ensureHookImports(content)
	content = ensureClientDirective(path, content)
	return content
}

var reactHooks = []string{
	"useState", "useEffect", "useRef", "useContext",
	"useReducer", "useMemo", "useCallback",
}

var reactImportRe = regexp.MustCompile(`(?m)^import\s+(?:React\s*,\s*)?\{([^}]*)\}\s+from\s+['"]react['"];?`)

// ensureHookImports adds any hooks the file calls but never imports, merging
// into an existing react import when one is present.
func ensureHookImports(content string) string {
	var missing []string
	for _, hook := range reactHooks {
		if !regexp.MustCompile(`\b` + hook + `\s*\(`).MatchString(content) {
			continue
		}
		if strings.Contains(content, "React."+hook) {
			continue
		}
		if m := reactImportRe.FindStringSubmatch(content); m != nil &&
			containsIdent(m[1], hook) {
			continue
		}
		missing = append(missing, hook)
	}
	if len(missing) == 0 {
		return content
	}
	sort.Strings(missing)

	if m := reactImportRe.FindStringSubmatch(content); m != nil {
		names := splitIdents(m[1])
		names = append(names, missing...)
		sort.Strings(names)
		merged := strings.Replace(m[0], "{"+m[1]+"}", "{ "+strings.Join(names, ", ")+" }", 1)
		return strings.Replace(content, m[0], merged, 1)
	}

	importLine := fmt.Sprintf("import { %s } from \"react\";\n", strings.Join(missing, ", "))
	return insertAfterDirective(content, importLine)
}

var hookUsageRe = regexp.MustCompile(`\buse(State|Effect|Ref|Context|Reducer|Memo|Callback|Pathname|Router|SearchParams)\s*\(`)

// ensureClientDirective marks hook-using components as client components.
// Layouts stay server-side; a layout calling hooks is a generation defect the
// repair loop handles with full context.
func ensureClientDirective(path, content string) string {
	if strings.HasSuffix(path, "layout.tsx") || !hookUsageRe.MatchString(content) {
		return content
	}
	trimmed := strings.TrimLeft(content, " \t\n\r")
	if strings.HasPrefix(trimmed, `"use client"`) || strings.HasPrefix(trimmed, `'use client'`) {
		return content
	}
	return "\"use client\";\n\n" + content
}

var jsxTagRe = regexp.MustCompile(`<([A-Z][A-Za-z0-9]*)[\s/>]`)

// EnsureComponentImports inserts imports for JSX components the file renders
// but never imports, when exactly one already-generated file defines the
// component. Unknown names and ambiguous ones (two candidate files) are left
// for the repair loop.
func EnsureComponentImports(path, content string, generated map[string]string) string {
	if !isComponentFile(path) {
		return content
	}

	var imports []string
	for _, name := range referencedComponents(content) {
		candidate, ok := locateComponent(name, path, generated)
		if !ok {
			continue
		}
		imports = append(imports, componentImport(name, candidate, generated[candidate]))
	}
	if len(imports) == 0 {
		return content
	}
	sort.Strings(imports)
	return insertAfterDirective(content, strings.Join(imports, ""))
}

// referencedComponents lists capitalized JSX tags that are neither imported
// nor declared in the file itself.
func referencedComponents(content string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range jsxTagRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if isImported(content, name) || isDeclared(content, name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isImported(content, name string) bool {
	re := regexp.MustCompile(`(?m)^import\b[^\n]*\b` + name + `\b`)
	return re.MatchString(content)
}

func isDeclared(content, name string) bool {
	re := regexp.MustCompile(`\b(function|const|class|let|var)\s+` + name + `\b`)
	return re.MatchString(content)
}

// locateComponent finds the one generated component file whose name matches
// the tag. Two matches means ambiguity and no import is inserted.
func locateComponent(name, self string, generated map[string]string) (string, bool) {
	var found string
	for p, c := range generated {
		if p == self || !isComponentFile(p) {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if base != name || !strings.Contains(c, "export") {
			continue
		}
		if found != "" {
			return "", false
		}
		found = p
	}
	return found, found != ""
}

var exportDefaultRe = regexp.MustCompile(`\bexport\s+default\b`)

// componentImport renders the import line using the project's "@/" alias,
// default or named form depending on how the candidate exports the component.
func componentImport(name, path, content string) string {
	spec := "@/" + strings.TrimSuffix(strings.TrimPrefix(path, "src/"), filepath.Ext(path))
	if exportDefaultRe.MatchString(content) {
		return fmt.Sprintf("import %s from %q;\n", name, spec)
	}
	return fmt.Sprintf("import { %s } from %q;\n", name, spec)
}

func insertAfterDirective(content, line string) string {
	trimmed := strings.TrimLeft(content, " \t\n\r")
	if strings.HasPrefix(trimmed, `"use client"`) || strings.HasPrefix(trimmed, `'use client'`) {
		if i := strings.Index(content, "\n"); i >= 0 {
			return content[:i+1] + line + content[i+1:]
		}
	}
	return line + content
}

func containsIdent(list, ident string) bool {
	for _, name := range splitIdents(list) {
		if name == ident {
			return true
		}
	}
	return false
}

func splitIdents(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func isComponentFile(path string) bool {
	return strings.HasSuffix(path, ".tsx") || strings.HasSuffix(path, ".jsx")
}
