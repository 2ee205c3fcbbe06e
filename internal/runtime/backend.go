package runtime

import (
	"context"
	"os/exec"
	"time"

	"github.com/metalyst-dev/metalyst/config"
)

// Backend identifies where a dispatched script executes.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendLocal     Backend = "local"
	BackendNone      Backend = "none"
)

// Selector probes the environment for a usable statistics runtime. It
// deliberately re-probes on every call: an image built mid-session must be
// picked up without a restart, so availability is never cached.
type Selector struct {
	DockerBinary  string
	Image         string
	RscriptBinary string
	ProbeTimeout  time.Duration
}

// NewSelector builds a Selector from runtime configuration.
func NewSelector(cfg config.RuntimeConfig) *Selector {
	return &Selector{
		DockerBinary:  cfg.DockerBinary,
		Image:         cfg.Image,
		RscriptBinary: cfg.RscriptBinary,
		ProbeTimeout:  cfg.ProbeTimeout,
	}
}

// Select probes the containerized runtime first, then the local interpreter.
// Absence is a normal outcome: both probes are bounded and never error out
// of the call.
func (s *Selector) Select(ctx context.Context) Backend {
	if s.hasContainerImage(ctx) {
		return BackendContainer
	}
	if s.hasLocalInterpreter(ctx) {
		return BackendLocal
	}
	return BackendNone
}

// hasContainerImage checks the image exists locally. Existence check only,
// nothing is executed inside the image.
func (s *Selector) hasContainerImage(ctx context.Context) bool {
	if s.DockerBinary == "" || s.Image == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
	defer cancel()
	cmd := exec.CommandContext(probeCtx, s.DockerBinary, "image", "inspect", "--format", "{{.Id}}", s.Image)
	return cmd.Run() == nil
}

// hasLocalInterpreter runs a trivial version probe against the local runtime.
func (s *Selector) hasLocalInterpreter(ctx context.Context) bool {
	if s.RscriptBinary == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
	defer cancel()
	cmd := exec.CommandContext(probeCtx, s.RscriptBinary, "--version")
	return cmd.Run() == nil
}

func (s *Selector) probeTimeout() time.Duration {
	if s.ProbeTimeout > 0 {
		return s.ProbeTimeout
	}
	return 3 * time.Second
}
