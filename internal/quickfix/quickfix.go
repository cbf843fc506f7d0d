// Package quickfix - Deterministic Quick Fixes
// A rule table of mechanical repairs for well-known build failures. Every
// rule is idempotent: applying it to an already-fixed project changes
// nothing, so repeated repair iterations are safe.
package quickfix

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sitesmith/internal/buildcheck"
	"sitesmith/internal/logging"
	"sitesmith/internal/metrics"
	"sitesmith/internal/toolchain"
)

// Fix records one applied repair.
type Fix struct {
	Type        string `json:"type"`
	Target      string `json:"target,omitempty"`
	Description string `json:"description"`
}

// Engine applies the rule table against a build result.
type Engine struct {
	tc toolchain.Toolchain
}

// NewEngine creates a quick-fix engine over the given toolchain.
func NewEngine(tc toolchain.Toolchain) *Engine {
	return &Engine{tc: tc}
}

var (
	clientHookRe = regexp.MustCompile(`(?i)(useState|useEffect|useContext|useReducer|useRef|usePathname|useRouter|useSearchParams|only works in a Client Component|React Hook)`)
	missingPkgRe = regexp.MustCompile(`(?:Cannot find module|Can't resolve) '([^']+)'`)
	nextConfigRe = regexp.MustCompile(`next\.config\.ts.*not supported|Configuring Next\.js via 'next\.config\.ts'`)
	tailwindV4Re = regexp.MustCompile(`directly as a PostCSS plugin|install .@tailwindcss/postcss.`)
)

// Apply runs every matching rule once and returns the fixes that changed
// something. A nil error with an empty slice means no rule recognized the
// failure; the caller escalates to the LLM fixer.
func (e *Engine) Apply(ctx context.Context, projectPath string, result *buildcheck.BuildResult) ([]Fix, error) {
	var fixes []Fix
	record := func(f *Fix) {
		if f != nil {
			metrics.QuickFixesTotal.WithLabelValues(f.Type).Inc()
			logging.S().Infof("QuickFix: %s %s: %s", f.Type, f.Target, f.Description)
			fixes = append(fixes, *f)
		}
	}

	// Output-level rules look at the whole raw output once.
	if nextConfigRe.MatchString(result.RawOutput) {
		f, err := e.convertNextConfig(projectPath)
		if err != nil {
			return fixes, err
		}
		record(f)
	}
	if tailwindV4Re.MatchString(result.RawOutput) {
		f, err := e.fixTailwindPostcss(ctx, projectPath)
		if err != nil {
			return fixes, err
		}
		record(f)
	}

	// Error-level rules run per extracted compile error.
	installed := map[string]bool{}
	clientified := map[string]bool{}
	for _, ce := range result.Errors {
		if m := missingPkgRe.FindStringSubmatch(ce.Message); m != nil {
			pkg := basePackage(m[1])
			if pkg == "" || installed[pkg] {
				continue
			}
			installed[pkg] = true
			f, err := e.installPackage(ctx, projectPath, pkg)
			if err != nil {
				return fixes, err
			}
			record(f)
			continue
		}
		if ce.File != "" && !clientified[ce.File] && clientHookRe.MatchString(ce.Message) {
			clientified[ce.File] = true
			f, err := addUseClient(projectPath, ce.File)
			if err != nil {
				return fixes, err
			}
			record(f)
		}
	}
	return fixes, nil
}

// basePackage reduces an import specifier to its installable package name.
// Relative paths and the "@/" project alias are not packages.
func basePackage(spec string) string {
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "@/") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 {
			return ""
		}
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func (e *Engine) installPackage(ctx context.Context, projectPath, pkg string) (*Fix, error) {
	out, err := e.tc.AddPackage(ctx, projectPath, pkg)
	if err != nil {
		logging.S().Warnf("QuickFix: install %s failed: %v: %s", pkg, err, firstLine(out))
		return nil, nil // install failures escalate to the LLM, not abort
	}
	return &Fix{
		Type:        "install-package",
		Target:      pkg,
		Description: "installed missing package " + pkg,
	}, nil
}

// addUseClient prepends the client directive to a component that uses hooks.
func addUseClient(projectPath, file string) (*Fix, error) {
	path := filepath.Join(projectPath, strings.TrimPrefix(file, "./"))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil // error referenced a file we don't have; skip
	}
	content := string(data)
	trimmed := strings.TrimLeft(content, " \t\n\r")
	if strings.HasPrefix(trimmed, `"use client"`) || strings.HasPrefix(trimmed, `'use client'`) {
		return nil, nil
	}
	if err := os.WriteFile(path, []byte("\"use client\";\n\n"+content), 0o644); err != nil {
		return nil, err
	}
	return &Fix{
		Type:        "use-client",
		Target:      file,
		Description: "prepended \"use client\" directive",
	}, nil
}

var (
	importTypeRe  = regexp.MustCompile(`(?m)^import\s+type\s+.*\n`)
	typeAnnotRe   = regexp.MustCompile(`:\s*NextConfig\b`)
	satisfiesRe   = regexp.MustCompile(`\s+satisfies\s+NextConfig\b`)
	exportDefault = regexp.MustCompile(`(?m)^export\s+default\b`)
)

// convertNextConfig rewrites next.config.ts as next.config.mjs, stripping the
// TypeScript-only syntax. Next.js refuses a .ts config without extra flags.
func (e *Engine) convertNextConfig(projectPath string) (*Fix, error) {
	tsPath := filepath.Join(projectPath, "next.config.ts")
	data, err := os.ReadFile(tsPath)
	if err != nil {
		return nil, nil // already converted
	}
	content := string(data)
	content = importTypeRe.ReplaceAllString(content, "")
	content = typeAnnotRe.ReplaceAllString(content, "")
	content = satisfiesRe.ReplaceAllString(content, "")
	if !exportDefault.MatchString(content) {
		content += "\nexport default nextConfig;\n"
	}

	mjsPath := filepath.Join(projectPath, "next.config.mjs")
	if err := os.WriteFile(mjsPath, []byte(content), 0o644); err != nil {
		return nil, err
	}
	if err := os.Remove(tsPath); err != nil {
		return nil, err
	}
	return &Fix{
		Type:        "next-config-mjs",
		Target:      "next.config.mjs",
		Description: "converted next.config.ts to next.config.mjs",
	}, nil
}

const tailwindPostcssConfig = `export default {
  plugins: {
    "@tailwindcss/postcss": {},
  },
};
`

// fixTailwindPostcss moves a Tailwind v4 project onto the dedicated PostCSS
// plugin package, which v4 split out of the core package.
func (e *Engine) fixTailwindPostcss(ctx context.Context, projectPath string) (*Fix, error) {
	mjsPath := filepath.Join(projectPath, "postcss.config.mjs")
	if data, err := os.ReadFile(mjsPath); err == nil &&
		strings.Contains(string(data), "@tailwindcss/postcss") {
		return nil, nil
	}

	if out, err := e.tc.AddPackage(ctx, projectPath, "@tailwindcss/postcss"); err != nil {
		logging.S().Warnf("QuickFix: install @tailwindcss/postcss failed: %v: %s", err, firstLine(out))
		return nil, nil
	}
	if err := os.WriteFile(mjsPath, []byte(tailwindPostcssConfig), 0o644); err != nil {
		return nil, err
	}
	// An old CommonJS config would shadow the new one.
	_ = os.Remove(filepath.Join(projectPath, "postcss.config.js"))
	return &Fix{
		Type:        "tailwind-postcss",
		Target:      "postcss.config.mjs",
		Description: "switched PostCSS config to @tailwindcss/postcss",
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
