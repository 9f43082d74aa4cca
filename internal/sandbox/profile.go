// Package sandbox provisions one long-lived container per thread and runs
// commands inside it.
package sandbox

import (
	"errors"
	"time"
)

// Defaults for the sandbox profile.
const (
	DefaultImage         = "code-runner-client"
	DefaultNetwork       = "wandb_network"
	DefaultNameSuffix    = "_sandbox"
	DefaultShmSize       = 512 * 1024 * 1024
	DefaultRestartPolicy = "unless-stopped"
	DefaultSettleDelay   = 3 * time.Second
)

// Profile is the fixed resource profile applied to every sandbox.
type Profile struct {
	Image         string
	Network       string
	NameSuffix    string
	ShmSize       int64
	RestartPolicy string
	// IdleCommand keeps the container alive between execs.
	IdleCommand []string
	// ExecCommand is what a thread start runs inside the sandbox.
	ExecCommand []string
	// SettleDelay is waited after creating a container and before handing it
	// out. The runtime can report "running" before exec is accepted.
	SettleDelay time.Duration
	// FailOnNonzeroExit turns a non-zero exit code into an execution failure.
	FailOnNonzeroExit bool
}

// DefaultProfile returns the stock profile.
func DefaultProfile() Profile {
	return Profile{
		Image:         DefaultImage,
		Network:       DefaultNetwork,
		NameSuffix:    DefaultNameSuffix,
		ShmSize:       DefaultShmSize,
		RestartPolicy: DefaultRestartPolicy,
		IdleCommand:   []string{"/bin/sh", "-c", "sleep infinity"},
		ExecCommand:   []string{"python", "-c", "print('Hello, World!')"},
		SettleDelay:   DefaultSettleDelay,
	}
}

// ContainerName derives the deterministic sandbox name for a thread.
func (p Profile) ContainerName(threadID string) string {
	return threadID + p.NameSuffix
}

// Validate checks that the profile can be used to create containers.
func (p Profile) Validate() error {
	var errs []error
	if p.Image == "" {
		errs = append(errs, errors.New("sandbox: image is required"))
	}
	if p.Network == "" {
		errs = append(errs, errors.New("sandbox: network is required"))
	}
	if p.NameSuffix == "" {
		errs = append(errs, errors.New("sandbox: name suffix is required"))
	}
	if p.ShmSize < 0 {
		errs = append(errs, errors.New("sandbox: shm size must be non-negative"))
	}
	if len(p.IdleCommand) == 0 {
		errs = append(errs, errors.New("sandbox: idle command is required"))
	}
	if len(p.ExecCommand) == 0 {
		errs = append(errs, errors.New("sandbox: exec command is required"))
	}
	if p.SettleDelay < 0 {
		errs = append(errs, errors.New("sandbox: settle delay must be non-negative"))
	}
	return errors.Join(errs...)
}
