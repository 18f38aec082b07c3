package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction and remote command execution for the harness. Both the
// provisioning server and the client VMs it creates are reached through
// this package.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDefaultTimeout = 10 * time.Second

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrSessionInit     = fmt.Errorf("failed to begin SSH session")
)

// Result is the outcome of one remote command: its exit code and captured
// standard streams, split into lines. The harness inspects ExitCode only;
// interpretation of the output belongs to callers.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
}

// OK reports whether the command exited zero.
func (r *Result) OK() bool { return r.ExitCode == 0 }

// Connect establishes an SSH connection to 'host' on TCP port 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'port'
// is 0, a default of '22' is used.
//
// 'signer' is used for public key authentication when connecting to 'host'.
//
// Any values provided to 'hostKeys' will be compared against the host key
// offered by 'host' when a connection is attempted. If no 'hostKeys' value
// is provided, all host keys are accepted.
func Connect(ctx context.Context, host string, port uint16, user string, signer ssh.Signer, hostKeys ...ssh.PublicKey) (*ssh.Client, error) {
	if port == 0 {
		port = 22
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			// No pinned host keys behaves like 'ssh.InsecureIgnoreHostKey'.
			if len(hostKeys) == 0 {
				return nil
			}
			for _, hostKey := range hostKeys {
				if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
					return nil
				}
			}
			return ErrHostKeyInvalid
		},
		Timeout: sshDefaultTimeout,
	}
	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", target, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	return client, nil
}

// joinHostPort parses and validates 'host' as an IPv4 or IPv6 address, then
// joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, it is resolved first and the first resolved
// address is used.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	if addr := net.ParseIP(host); addr == nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	} else if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	} else {
		return fmt.Sprintf("[%s]:%d", addr.String(), port), nil
	}
}

// Exec executes a single command over 'client', returning its exit code and
// captured standard streams.
//
// A non-zero remote exit status is not an error here: it is reported
// through Result.ExitCode so callers can apply their own policy. Only
// transport-level failures return a non-nil error.
func Exec(client *ssh.Client, cmd string) (*Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	stderr := new(bytes.Buffer)
	session.Stderr = stderr

	result := &Result{}
	if err := session.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %q: %w", cmd, err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	result.Stdout = splitLines(stdout.String())
	result.Stderr = splitLines(stderr.String())
	return result, nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
