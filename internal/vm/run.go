package vm

import (
	"context"

	"github.com/satqe/clientvm/internal/ssh"
)

// Run executes a command on the client and returns its result without
// interpretation; inspecting the exit code is the caller's business.
func (m *VM) Run(ctx context.Context, cmd string) (*ssh.Result, error) {
	if err := m.requireCreated("run a command"); err != nil {
		return nil, err
	}
	return m.exec.Execute(ctx, m.ipAddr, cmd)
}

// Put copies a local file onto the client.
func (m *VM) Put(ctx context.Context, local, remote string) error {
	if err := m.requireCreated("put a file"); err != nil {
		return err
	}
	return m.exec.Upload(ctx, m.ipAddr, local, remote)
}

// Get copies a file from the client to the local machine.
func (m *VM) Get(ctx context.Context, remote, local string) error {
	if err := m.requireCreated("get a file"); err != nil {
		return err
	}
	return m.exec.Download(ctx, m.ipAddr, remote, local)
}
