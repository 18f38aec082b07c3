package vm

import (
	"context"
	"fmt"
	"strings"

	"github.com/satqe/clientvm/internal/ssh"
)

// CertInstaller installs and removes the server's CA certificate on a
// client, addressed by IP. Clients carry fake hostnames, so the address is
// the only reliable way to reach them.
type CertInstaller interface {
	Install(ctx context.Context, addr string) error
	Remove(ctx context.Context, addr string) error
}

// serverCA installs the consumer CA package published by the server under
// test.
type serverCA struct {
	exec   ssh.Executor
	server string
}

// NewServerCA returns the default CertInstaller, fetching the CA package
// from 'server'.
func NewServerCA(exec ssh.Executor, server string) CertInstaller {
	return &serverCA{exec: exec, server: server}
}

func (c *serverCA) Install(ctx context.Context, addr string) error {
	if c.server == "" {
		return fmt.Errorf("no server hostname configured for the trust anchor")
	}
	cmd := fmt.Sprintf("rpm -Uvh http://%s/pub/katello-ca-consumer-latest.noarch.rpm", c.server)
	result, err := c.exec.Execute(ctx, addr, cmd)
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("rpm exited %d: %s", result.ExitCode, strings.Join(result.Stderr, "\n"))
	}
	return nil
}

func (c *serverCA) Remove(ctx context.Context, addr string) error {
	cmd := `yum erase -y $(rpm -qa | grep katello-ca-consumer)`
	result, err := c.exec.Execute(ctx, addr, cmd)
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("yum erase exited %d: %s", result.ExitCode, strings.Join(result.Stderr, "\n"))
	}
	return nil
}

// InstallTrustAnchor installs the server's CA certificate on the client,
// a prerequisite for registration.
func (m *VM) InstallTrustAnchor(ctx context.Context) error {
	if err := m.requireCreated("install the trust anchor"); err != nil {
		return err
	}
	if err := m.certs.Install(ctx, m.ipAddr); err != nil {
		return fmt.Errorf("%w: failed to install the trust anchor: %w", ErrLifecycle, err)
	}
	return nil
}

// RemoveTrustAnchor removes the server's CA certificate from the client.
func (m *VM) RemoveTrustAnchor(ctx context.Context) error {
	if err := m.requireCreated("remove the trust anchor"); err != nil {
		return err
	}
	if err := m.certs.Remove(ctx, m.ipAddr); err != nil {
		return fmt.Errorf("%w: failed to remove the trust anchor: %w", ErrLifecycle, err)
	}
	return nil
}
