// Package toolchain abstracts the external CLI tools a generated project
// needs: dependency install, production build, and the dev server command.
// The repair loop and the process supervisor depend only on this interface
// so they can be tested against a fake.
package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Toolchain is the injected capability for one project type.
type Toolchain interface {
	// Install installs dependencies; returns combined output.
	Install(ctx context.Context, dir string) (string, error)

	// Build runs the production build with a non-interactive environment and
	// returns combined output plus the process exit code (0 on success).
	Build(ctx context.Context, dir string) (output string, exitCode int, err error)

	// DevCommand returns an unstarted dev-server command bound to port via
	// the environment. The caller owns the process lifetime.
	DevCommand(dir string, port int) *exec.Cmd

	// AddPackage installs a single package into the project.
	AddPackage(ctx context.Context, dir, pkg string) (string, error)
}

// Node is the npm/yarn toolchain for Next.js-style projects.
type Node struct{}

// NewNode returns the Node toolchain.
func NewNode() *Node {
	return &Node{}
}

// PackageManager detects yarn vs npm by lockfile presence.
func (n *Node) PackageManager(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "yarn.lock")); err == nil {
		return "yarn"
	}
	return "npm"
}

// Install implements Toolchain.
func (n *Node) Install(ctx context.Context, dir string) (string, error) {
	var cmd *exec.Cmd
	if n.PackageManager(dir) == "yarn" {
		cmd = exec.CommandContext(ctx, "yarn", "install", "--non-interactive")
	} else {
		cmd = exec.CommandContext(ctx, "npm", "install", "--prefer-offline", "--no-audit")
	}
	cmd.Dir = dir
	cmd.Env = nonInteractiveEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("install failed: %w", err)
	}
	return string(out), nil
}

// Build implements Toolchain.
func (n *Node) Build(ctx context.Context, dir string) (string, int, error) {
	var cmd *exec.Cmd
	if n.PackageManager(dir) == "yarn" {
		cmd = exec.CommandContext(ctx, "yarn", "build")
	} else {
		cmd = exec.CommandContext(ctx, "npm", "run", "build")
	}
	cmd.Dir = dir
	cmd.Env = nonInteractiveEnv()

	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(out), exitErr.ExitCode(), nil
	}
	// Command could not run at all (binary missing, dir gone).
	return string(out), -1, fmt.Errorf("build command failed to run: %w", err)
}

// DevCommand implements Toolchain.
func (n *Node) DevCommand(dir string, port int) *exec.Cmd {
	var cmd *exec.Cmd
	if n.PackageManager(dir) == "yarn" {
		cmd = exec.Command("yarn", "dev")
	} else {
		cmd = exec.Command("npm", "run", "dev")
	}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", port),
		"HOST=0.0.0.0",
		"NODE_ENV=development",
		"NEXT_TELEMETRY_DISABLED=1",
	)
	// Own process group so termination reaches npm's child node process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// AddPackage implements Toolchain.
func (n *Node) AddPackage(ctx context.Context, dir, pkg string) (string, error) {
	var cmd *exec.Cmd
	if n.PackageManager(dir) == "yarn" {
		cmd = exec.CommandContext(ctx, "yarn", "add", pkg)
	} else {
		cmd = exec.CommandContext(ctx, "npm", "install", pkg, "--no-audit")
	}
	cmd.Dir = dir
	cmd.Env = nonInteractiveEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("add package %s: %w", pkg, err)
	}
	return string(out), nil
}

func nonInteractiveEnv() []string {
	return append(os.Environ(), "CI=true", "NEXT_TELEMETRY_DISABLED=1", "NO_COLOR=1")
}
