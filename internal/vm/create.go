package vm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/satqe/clientvm/internal/vm/cmdbuild"
)

// Create provisions the machine on the provisioning server with snap-guest,
// waits out the settle interval for the guest to boot, then probes it and
// records its address. Calling Create on an already-created VM is a no-op.
//
// The settle wait blocks this VM only; creations of other VMs running on
// their own goroutines overlap freely.
func (m *VM) Create(ctx context.Context) error {
	if m.state == StateCreated {
		return nil
	}
	if m.state == StateDestroyed {
		return fmt.Errorf("%w: cannot create a destroyed client VM", ErrLifecycle)
	}
	log := clog.FromContext(ctx).With("image", m.TargetImage())

	cmd := cmdbuild.New("snap-guest").
		Option("-b", m.distro+"-base").
		Option("-t", m.TargetImage()).
		Option("-m", strconv.Itoa(m.memory)).
		Option("-c", strconv.Itoa(m.cpu)).
		Option("-n", "bridge=br0").
		Flag("-f")
	if m.imageDir != "" {
		cmd.Option("-p", m.imageDir)
	}
	if m.hostname != "" {
		cmd.Option("--hostname", m.Hostname())
	}
	if m.domain != "" {
		cmd.Option("-d", m.Domain())
	}

	log.Info("provisioning client VM", "server", m.provisioningServer, "distro", m.distro)
	result, err := m.exec.Execute(ctx, m.provisioningServer, cmd.String())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	if !result.OK() {
		return fmt.Errorf("%w: snap-guest exited %d: %s",
			ErrProvisioning, result.ExitCode, strings.Join(result.Stderr, "\n"))
	}

	if m.settleInterval > 0 {
		log.Info("waiting for the guest to boot", "settle_interval", m.settleInterval)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrProvisioning, ctx.Err())
		case <-time.After(m.settleInterval):
		}
	}

	probe := cmdbuild.New("ping").Option("-c", "1").Arg(m.targetImage + ".local").String()
	result, err = m.exec.Execute(ctx, m.provisioningServer, probe)
	if err != nil {
		return fmt.Errorf("%w: address discovery failed: %w", ErrProvisioning, err)
	}
	if !result.OK() {
		return fmt.Errorf("%w: address discovery failed: ping exited %d",
			ErrProvisioning, result.ExitCode)
	}
	addr, err := parseProbeAddr(strings.Join(result.Stdout, ""))
	if err != nil {
		return err
	}

	// Answering ping does not mean sshd is up yet.
	if m.readyTimeout > 0 {
		log.Info("waiting for the guest to accept SSH connections", "addr", addr)
		if err := m.await(ctx, addr, m.sshPort, m.readyTimeout); err != nil {
			return fmt.Errorf("%w: %w", ErrProvisioning, err)
		}
	}

	m.ipAddr = addr
	m.state = StateCreated
	log.Info("client VM is up", "ip", m.ipAddr, "hostname", m.Hostname())
	return nil
}

// parseProbeAddr extracts the address from reachability-probe output, where
// it appears as the first parenthesized token, e.g. "PING x.local
// (192.0.2.5) 56(84) bytes of data.". Only that token is considered.
func parseProbeAddr(output string) (string, error) {
	_, rest, ok := strings.Cut(output, "(")
	if !ok {
		return "", fmt.Errorf("%w: no address found in probe output %q", ErrProvisioning, output)
	}
	addr, _, ok := strings.Cut(rest, ")")
	if !ok {
		return "", fmt.Errorf("%w: no address found in probe output %q", ErrProvisioning, output)
	}
	return addr, nil
}
