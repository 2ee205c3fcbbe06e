package runtime

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy caps how much of the host a dispatched job may use. It is loaded
// once at dispatcher construction from an optional YAML file.
type Policy struct {
	Image   string  `yaml:"image"`
	CPU     float64 `yaml:"cpu"`
	Memory  string  `yaml:"memory"`
	Timeout string  `yaml:"timeout"`
}

// LoadPolicy reads an execution policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var doc struct {
		Execution Policy `yaml:"execution"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &doc.Execution, nil
}

// ClampTimeout returns the smaller of the requested timeout and the policy
// cap. A missing or unparsable cap leaves the request untouched.
func (p *Policy) ClampTimeout(requested time.Duration) time.Duration {
	if p == nil || p.Timeout == "" {
		return requested
	}
	cap, err := time.ParseDuration(p.Timeout)
	if err != nil || cap <= 0 {
		return requested
	}
	if requested <= 0 || requested > cap {
		return cap
	}
	return requested
}

// ContainerArgs returns docker resource flags for the policy limits.
func (p *Policy) ContainerArgs() []string {
	if p == nil {
		return nil
	}
	var args []string
	if p.CPU > 0 {
		args = append(args, fmt.Sprintf("--cpus=%.2f", p.CPU))
	}
	if p.Memory != "" {
		args = append(args, "--memory="+p.Memory)
	}
	return args
}
