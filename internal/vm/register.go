package vm

import (
	"context"
	"fmt"

	"github.com/satqe/clientvm/internal/ssh"
	"github.com/satqe/clientvm/internal/vm/cmdbuild"
)

// RegisterOptions selects the registration strategy. Exactly one of
// ActivationKey or Environment must be set; environment-based registration
// authenticates with the configured admin credentials.
type RegisterOptions struct {
	ActivationKey string
	Environment   string

	// ReleaseVersion pins the client to a release, when set.
	ReleaseVersion string

	// Force registers even if the client is already registered.
	Force bool
}

// RegisterContentHost registers the client with the content service for
// 'org'. The raw command result is returned whether or not registration
// succeeded; the subscribed flag is only set on exit 0.
func (m *VM) RegisterContentHost(ctx context.Context, org string, opts RegisterOptions) (*ssh.Result, error) {
	if opts.ActivationKey == "" && opts.Environment == "" {
		return nil, fmt.Errorf(
			"%w: provide either an activation key or a lifecycle environment to register a host",
			ErrConfiguration)
	}
	if err := m.requireCreated("register"); err != nil {
		return nil, err
	}

	cmd := cmdbuild.New("subscription-manager").
		Arg("register").
		Option("--org", org)
	if opts.ActivationKey != "" {
		cmd.Option("--activationkey", opts.ActivationKey)
	} else {
		cmd.Option("--environment", opts.Environment).
			Option("--username", m.settings.Server.AdminUsername).
			Option("--password", m.settings.Server.AdminPassword)
	}
	if opts.ReleaseVersion != "" {
		cmd.Option("--release", opts.ReleaseVersion)
	}
	if opts.Force {
		cmd.Flag("--force")
	}

	result, err := m.exec.Execute(ctx, m.ipAddr, cmd.String())
	if err != nil {
		return nil, err
	}
	if result.OK() {
		m.subscribed = true
	}
	return result, nil
}

// Unregister runs subscription-manager unregister on the client and
// returns the raw result. It intentionally leaves the subscribed flag
// alone: Destroy owns that bookkeeping, and callers that unregister
// mid-scenario may re-register afterwards.
func (m *VM) Unregister(ctx context.Context) (*ssh.Result, error) {
	return m.Run(ctx, "subscription-manager unregister")
}
