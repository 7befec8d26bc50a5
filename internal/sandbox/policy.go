package sandbox

import (
	"fmt"
	"slices"

	"github.com/docker/go-units"

	"github.com/michaelbrown/kernelbox/internal/config"
)

// Policy defines the image and resource limits of kernel containers.
type Policy struct {
	Image     string   // Image kernels run in (e.g. "python:3.12-slim")
	Images    []string // Allowed Docker images
	MaxMemory string   // Docker memory limit (e.g. "1g")
	Network   bool     // Whether network access is allowed
	Workdir   string   // Working directory inside the container
}

// DefaultPolicy returns safe defaults for kernel containers.
func DefaultPolicy() Policy {
	return Policy{
		Image:     "python:3.12-slim",
		Images:    []string{"python:3.12-slim", "python:3.11-slim"},
		MaxMemory: "1g",
		Network:   false,
		Workdir:   "/workspace",
	}
}

// PolicyFromConfig builds a policy from the sandbox config section.
func PolicyFromConfig(cfg config.SandboxConfig) Policy {
	return Policy{
		Image:     cfg.Image,
		Images:    cfg.Images,
		MaxMemory: cfg.MaxMemory,
		Network:   cfg.Network,
		Workdir:   cfg.Workdir,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	return slices.Contains(p.Images, image)
}

// MemoryBytes parses MaxMemory. An empty limit means unlimited (0).
func (p Policy) MemoryBytes() (int64, error) {
	if p.MaxMemory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(p.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("parsing max_memory %q: %w", p.MaxMemory, err)
	}
	return n, nil
}
