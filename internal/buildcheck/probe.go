package buildcheck

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"sitesmith/internal/logging"
	"sitesmith/internal/supervisor"
)

// runtimeProbeWindow bounds how long the probe watches dev-server output.
const runtimeProbeWindow = 15 * time.Second

// readyMarkers signal a dev server that came up successfully.
var readyMarkers = []string{
	"Ready in",
	"✓ Ready",
	"ready - started server",
	"Local:",
}

// runtimeErrorMarkers are runtime-only failures a static build misses,
// chiefly styling-pipeline misconfiguration and unresolved modules that only
// surface when the dev server compiles on demand.
var runtimeErrorMarkers = []string{
	"tailwindcss` directly as a PostCSS plugin",
	"as a PostCSS plugin",
	"Cannot find module",
	"Module not found",
	"Error: Cannot apply unknown utility class",
	"Failed to compile",
}

// ProbeResult reports what the runtime probe observed.
type ProbeResult struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"` // first error marker hit
	Output    string `json:"output,omitempty"`
}

// ProbeRuntime briefly runs the dev server and watches its combined output:
// success when a ready marker appears before any runtime error signature and
// before the probe window closes. The server is always torn down afterwards.
func (v *Validator) ProbeRuntime(projectPath string, basePort int) (*ProbeResult, error) {
	port, err := supervisor.FindAvailablePort(basePort, 50)
	if err != nil {
		return nil, fmt.Errorf("runtime probe: %w", err)
	}

	cmd := v.tc.DevCommand(projectPath, port)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runtime probe pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // single combined stream

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runtime probe spawn: %w", err)
	}
	defer func() {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		_ = cmd.Wait()
	}()

	type verdict struct {
		success   bool
		signature string
		output    string
	}
	verdicts := make(chan verdict, 1)

	go func() {
		var captured strings.Builder
		reader := bufio.NewReader(stdout)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				captured.WriteString(line)
				for _, marker := range runtimeErrorMarkers {
					if strings.Contains(line, marker) {
						verdicts <- verdict{success: false, signature: marker, output: captured.String()}
						return
					}
				}
				for _, marker := range readyMarkers {
					if strings.Contains(line, marker) {
						verdicts <- verdict{success: true, output: captured.String()}
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					logging.S().Debugf("RuntimeProbe: read error: %v", err)
				}
				verdicts <- verdict{success: false, signature: "process exited", output: captured.String()}
				return
			}
		}
	}()

	select {
	case res := <-verdicts:
		return &ProbeResult{Success: res.success, Signature: res.signature, Output: tail(res.output, 4000)}, nil
	case <-time.After(runtimeProbeWindow):
		// No ready marker and no error signature inside the window: treat as
		// failure so the repair loop keeps ownership of the project.
		return &ProbeResult{Success: false, Signature: "probe timeout"}, nil
	}
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
