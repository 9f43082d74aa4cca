package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/runtime"
)

// Handle identifies a provisioned sandbox.
type Handle struct {
	ThreadID      string
	ContainerID   string
	ContainerName string
	Image         string
	Network       string
	// Created is true when this call created the container.
	Created bool
}

// Metadata returns the identifying fields merged into thread metadata.
func (h Handle) Metadata() map[string]any {
	return map[string]any{
		model.MetaContainerID:   h.ContainerID,
		model.MetaContainerName: h.ContainerName,
		model.MetaImage:         h.Image,
		model.MetaNetwork:       h.Network,
	}
}

// Provisioner gets or creates the sandbox for a thread.
type Provisioner struct {
	rt      runtime.Runtime
	profile Profile
	logger  *slog.Logger

	group singleflight.Group
	// settle waits d or until ctx is done. Replaced in tests.
	settle func(ctx context.Context, d time.Duration) error
}

// NewProvisioner creates a Provisioner using the given runtime and profile.
func NewProvisioner(rt runtime.Runtime, profile Profile, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		rt:      rt,
		profile: profile,
		logger:  logger,
		settle:  sleepCtx,
	}
}

// Profile returns the profile the provisioner creates sandboxes with.
func (p *Provisioner) Profile() Profile { return p.profile }

// EnsureSandbox returns a running sandbox for threadID, creating the shared
// network and the container if they are absent. Concurrent calls for the
// same thread share one in-flight provisioning.
func (p *Provisioner) EnsureSandbox(ctx context.Context, threadID string) (Handle, error) {
	ch := p.group.DoChan(threadID, func() (any, error) {
		return p.ensure(ctx, threadID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		h := res.Val.(Handle)
		if res.Shared {
			// Only one of the sharing callers actually created it.
			h.Created = false
		}
		return h, nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	}
}

func (p *Provisioner) ensure(ctx context.Context, threadID string) (Handle, error) {
	net, err := p.ensureNetwork(ctx)
	if err != nil {
		return Handle{}, err
	}

	name := p.profile.ContainerName(threadID)
	h := Handle{ThreadID: threadID, ContainerName: name, Image: p.profile.Image, Network: net.Name}

	c, err := p.rt.GetContainer(ctx, name)
	switch {
	case err == nil:
		if !c.Running {
			p.logger.Warn("sandbox: existing container is not running",
				"thread_id", threadID, "container_name", name, "status", c.Status)
		}
		h.ContainerID = c.ID
		if c.Image != "" {
			h.Image = c.Image
		}
		return h, nil
	case !errors.Is(err, runtime.ErrNotFound):
		return Handle{}, fmt.Errorf("sandbox: get container %s: %w", name, err)
	}

	c, err = p.rt.CreateContainer(ctx, runtime.CreateOptions{
		Name:          name,
		Image:         p.profile.Image,
		Cmd:           p.profile.IdleCommand,
		Network:       net.Name,
		ShmSize:       p.profile.ShmSize,
		RestartPolicy: p.profile.RestartPolicy,
	})
	if errors.Is(err, runtime.ErrConflict) {
		// Another process created it between our lookup and create. It may
		// have done so moments ago, so give it the same settle time.
		c, err = p.rt.GetContainer(ctx, name)
		if err != nil {
			return Handle{}, fmt.Errorf("sandbox: get container %s after conflict: %w", name, err)
		}
		p.logger.Info("sandbox: container created by another process",
			"thread_id", threadID, "container_id", c.ID, "container_name", name)
		if err := p.settle(ctx, p.profile.SettleDelay); err != nil {
			return Handle{}, fmt.Errorf("sandbox: settle: %w", err)
		}
		h.ContainerID = c.ID
		if c.Image != "" {
			h.Image = c.Image
		}
		return h, nil
	}
	if err != nil {
		return Handle{}, fmt.Errorf("sandbox: create container %s: %w", name, err)
	}
	p.logger.Info("sandbox: container created",
		"thread_id", threadID, "container_id", c.ID, "container_name", name, "image", p.profile.Image)

	if err := p.settle(ctx, p.profile.SettleDelay); err != nil {
		return Handle{}, fmt.Errorf("sandbox: settle: %w", err)
	}
	h.ContainerID = c.ID
	h.Created = true
	return h, nil
}

func (p *Provisioner) ensureNetwork(ctx context.Context) (runtime.Network, error) {
	name := p.profile.Network
	n, err := p.rt.GetNetwork(ctx, name)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, runtime.ErrNotFound) {
		return runtime.Network{}, fmt.Errorf("sandbox: get network %s: %w", name, err)
	}

	n, err = p.rt.CreateNetwork(ctx, name)
	if errors.Is(err, runtime.ErrConflict) {
		n, err = p.rt.GetNetwork(ctx, name)
	}
	if err != nil {
		return runtime.Network{}, fmt.Errorf("sandbox: create network %s: %w", name, err)
	}
	return n, nil
}

// Inspect returns the runtime view of a thread's sandbox.
// Returns runtime.ErrNotFound (wrapped) if it was never created.
func (p *Provisioner) Inspect(ctx context.Context, threadID string) (runtime.Container, error) {
	return p.rt.GetContainer(ctx, p.profile.ContainerName(threadID))
}

// Remove force-removes a thread's sandbox. A missing sandbox is not an error.
func (p *Provisioner) Remove(ctx context.Context, threadID string) error {
	name := p.profile.ContainerName(threadID)
	err := p.rt.RemoveContainer(ctx, name)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("sandbox: remove %s: %w", name, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
