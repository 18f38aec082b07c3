package ssh

// mock_sshd_test.go runs a minimal in-process SSH server for exercising the
// client side of this package. It understands just enough of the protocol
// for the harness's usage: session channels carrying a single 'exec'
// request, answered with canned output and an exit-status.

import (
	"bytes"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execReply is what the mock server answers a command with.
type execReply struct {
	stdout string
	stderr string
	exit   uint32
}

// mockSSHD serves SSH on a random loopback port, dispatching every exec
// request through 'handle'.
type mockSSHD struct {
	port   uint16
	handle func(cmd string) execReply
}

func startMockSSHD(t *testing.T, hostKey ssh.Signer, authorized ssh.PublicKey, handle func(string) execReply) *mockSSHD {
	t.Helper()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !bytes.Equal(authorized.Marshal(), key.Marshal()) {
				return nil, fmt.Errorf("unknown public key")
			}
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	server := &mockSSHD{
		port:   uint16(listener.Addr().(*net.TCPAddr).Port),
		handle: handle,
	}
	go server.serve(listener, config)
	return server
}

func (s *mockSSHD) serve(listener net.Listener, config *ssh.ServerConfig) {
	for {
		tcpConn, err := listener.Accept()
		if err != nil {
			return // Listener closed by test cleanup.
		}
		go s.handleConn(tcpConn, config)
	}
}

func (s *mockSSHD) handleConn(tcpConn net.Conn, config *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(tcpConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, chanReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, chanReqs)
	}
}

func (s *mockSSHD) handleSession(channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer channel.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			reply := s.handle(payload.Command)
			_, _ = channel.Write([]byte(reply.stdout))
			_, _ = channel.Stderr().Write([]byte(reply.stderr))
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.exit}))
			return
		case "subsystem":
			// SFTP lands here; the mock does not implement it.
			_ = req.Reply(false, nil)
		default:
			_ = req.Reply(false, nil)
		}
	}
}
