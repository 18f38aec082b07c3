package ssh

import (
	"context"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/ssh"
)

// Executor is the remote-command collaborator consumed by the harness. One
// implementation speaks real SSH (Client); tests substitute fakes.
type Executor interface {
	// Execute runs 'cmd' on 'host' and returns its exit code and output.
	Execute(ctx context.Context, host, cmd string) (*Result, error)

	// Upload copies a local file to 'remote' on 'host'.
	Upload(ctx context.Context, host, local, remote string) error

	// Download copies 'remote' from 'host' to a local file.
	Download(ctx context.Context, host, remote, local string) error
}

var _ Executor = (*Client)(nil)

// Client is the SSH-backed Executor. It dials a fresh connection per
// operation: commands are issued one at a time against any given host, and
// hosts come and go with the VMs they belong to, so holding connections
// open buys nothing.
type Client struct {
	User string
	Port uint16

	signer ssh.Signer
}

// NewClient builds a Client authenticating as 'user' with the private key
// at 'keyPath'.
func NewClient(user, keyPath string, port uint16) (*Client, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &Client{User: user, Port: port, signer: signer}, nil
}

// NewClientWithSigner builds a Client from an already-parsed signer.
func NewClientWithSigner(user string, port uint16, signer ssh.Signer) *Client {
	return &Client{User: user, Port: port, signer: signer}
}

func (c *Client) Execute(ctx context.Context, host, cmd string) (*Result, error) {
	clog.FromContext(ctx).Debug("executing remote command", "host", host, "cmd", cmd)
	conn, err := Connect(ctx, host, c.Port, c.User, c.signer)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(ctx, conn)
	return Exec(conn, cmd)
}

func closeQuietly(ctx context.Context, conn *ssh.Client) {
	if err := conn.Close(); err != nil {
		clog.FromContext(ctx).Debug("error closing SSH connection", "error", err)
	}
}
