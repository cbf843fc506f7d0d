// Package impact - Change Impact Classifier
// Decides whether an incremental update needs a full validate/repair pass or
// can skip straight to the running dev server's hot reload.
package impact

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"sitesmith/internal/logging"
)

// Action is the classifier's verdict.
type Action string

const (
	ActionRebuild Action = "rebuild"
	ActionSkip    Action = "skip"
)

// ConfidenceThreshold gates the skip verdict: a skip below this confidence is
// promoted to a rebuild, because a wrong skip leaves a broken page live.
const ConfidenceThreshold = 0.8

// Tunable boundaries of the triviality heuristic.
const (
	smallChangeFiles = 2
	smallChangeLines = 20
	largeChangeFiles = 3
	largeChangeLines = 200
)

// Change describes one modified file in an update.
type Change struct {
	Path       string // project-relative
	LinesAdded int
	Content    string // the added lines only, not the whole file
}

// Decision is the classification outcome.
type Decision struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

var (
	newExportRe = regexp.MustCompile(`(?m)^\s*export\s+(default\s+)?(async\s+)?(function|const|class|interface|type)\b`)
	hookCallRe  = regexp.MustCompile(`\buse[A-Z]\w*\s*\(`)
	handlerRe   = regexp.MustCompile(`\bon[A-Z]\w*\s*=`)
)

// configFiles always force a rebuild; they change toolchain behavior, not
// page content.
var configFiles = map[string]bool{
	"package.json":       true,
	"tsconfig.json":      true,
	"next.config.ts":     true,
	"next.config.mjs":    true,
	"next.config.js":     true,
	"postcss.config.mjs": true,
	"postcss.config.js":  true,
	"tailwind.config.ts": true,
	"tailwind.config.js": true,
}

// Classify weighs an update's changes. The verdict errs toward rebuilding:
// only small, content-only edits skip validation.
func Classify(changes []Change) Decision {
	if len(changes) == 0 {
		return Decision{Action: ActionSkip, Confidence: 1.0, Reason: "no files changed"}
	}

	totalLines := 0
	for _, c := range changes {
		totalLines += c.LinesAdded
		if configFiles[filepath.Base(c.Path)] {
			return decide(ActionRebuild, 0.95, "toolchain config changed: "+c.Path)
		}
	}

	if len(changes) > largeChangeFiles || totalLines > largeChangeLines {
		return decide(ActionRebuild, 0.95,
			fmt.Sprintf("large change: %d files, %d lines", len(changes), totalLines))
	}

	if len(changes) <= smallChangeFiles && totalLines < smallChangeLines {
		for _, c := range changes {
			if structural, what := introducesStructure(c); structural {
				return decide(ActionRebuild, 0.85, what+" in "+c.Path)
			}
		}
		return decide(ActionSkip, 0.9,
			fmt.Sprintf("content-only edit: %d files, %d lines", len(changes), totalLines))
	}

	// Middle ground: rebuild, but flag the lower confidence.
	return decide(ActionRebuild, 0.7,
		fmt.Sprintf("moderate change: %d files, %d lines", len(changes), totalLines))
}

func decide(action Action, confidence float64, reason string) Decision {
	if action == ActionSkip && confidence < ConfidenceThreshold {
		action = ActionRebuild
		reason = "skip confidence too low: " + reason
	}
	d := Decision{Action: action, Confidence: confidence, Reason: reason}
	logging.S().Infof("ImpactClassifier: %s (%.2f): %s", d.Action, d.Confidence, d.Reason)
	return d
}

// introducesStructure reports whether a change adds exports, hook usage, or
// event handlers, any of which can break compilation in ways hot reload
// won't surface cleanly.
func introducesStructure(c Change) (bool, string) {
	if !isSourceFile(c.Path) {
		return false, ""
	}
	switch {
	case newExportRe.MatchString(c.Content):
		return true, "new export"
	case hookCallRe.MatchString(c.Content):
		return true, "hook usage"
	case handlerRe.MatchString(c.Content):
		return true, "event handler"
	}
	return false, ""
}

func isSourceFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs":
		return true
	}
	return false
}
