package vm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/satqe/clientvm/internal/ssh"
	"github.com/satqe/clientvm/internal/vm/cmdbuild"
)

// Destroy stops the guest, undefines it and removes its backing image from
// the provisioning server. Every step is best-effort: Destroy is typically
// invoked from a cleanup path where the caller is already handling its own
// failure, so it proceeds as far as possible and reports whatever went
// wrong as a joined error the caller is free to ignore.
//
// Destroy on an uninitialized VM is a no-op and issues no remote commands.
// Once attempted, the VM is in StateDestroyed regardless of outcomes.
func (m *VM) Destroy(ctx context.Context) error {
	if m.state != StateCreated {
		return nil
	}
	log := clog.FromContext(ctx).With("image", m.TargetImage())

	var errs error
	if m.subscribed {
		if result, err := m.Unregister(ctx); err != nil {
			log.Warn("failed to unregister the client before teardown", "error", err)
			errs = errors.Join(errs, err)
		} else if !result.OK() {
			log.Warn("unregistration exited non-zero", "exit_code", result.ExitCode)
		}
	}

	errs = errors.Join(errs, DestroyImage(ctx, m.exec, m.provisioningServer, m.imageDir, m.TargetImage()))

	m.ipAddr = ""
	m.state = StateDestroyed
	log.Info("client VM destroyed")
	return errs
}

// DestroyImage removes the named guest and its backing image from the
// provisioning server without a VM handle, covering guests orphaned by a
// crashed run. Like Destroy, every command is attempted regardless of
// earlier failures and whatever went wrong comes back joined.
func DestroyImage(ctx context.Context, exec ssh.Executor, server, imageDir, image string) error {
	log := clog.FromContext(ctx).With("image", image)
	teardown := []string{
		cmdbuild.New("virsh").Arg("destroy", image).String(),
		cmdbuild.New("virsh").Arg("undefine", image).String(),
		cmdbuild.New("rm").Arg(path.Join(imageDir, image+".img")).String(),
	}
	var errs error
	for _, cmd := range teardown {
		result, err := exec.Execute(ctx, server, cmd)
		if err != nil {
			log.Warn("teardown command failed to execute", "cmd", cmd, "error", err)
			errs = errors.Join(errs, err)
			continue
		}
		if !result.OK() {
			log.Warn("teardown command exited non-zero",
				"cmd", cmd, "exit_code", result.ExitCode)
			errs = errors.Join(errs, fmt.Errorf("%q exited %d: %s",
				cmd, result.ExitCode, strings.Join(result.Stderr, "\n")))
		}
	}
	return errs
}
