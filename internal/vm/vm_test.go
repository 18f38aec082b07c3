package vm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satqe/clientvm/internal/config"
	"github.com/satqe/clientvm/internal/ssh"
)

const probeOutput = "PING client.local (192.0.2.5) 56(84) bytes of data."

type execCall struct {
	host string
	cmd  string
}

// fakeExecutor records every remote command and answers through an optional
// respond func. The default response is exit 0 with a ping-shaped stdout
// for probe commands, so the happy creation path works out of the box.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	respond func(host, cmd string) (*ssh.Result, error)

	uploads   []execCall
	downloads []execCall
}

func (f *fakeExecutor) Execute(_ context.Context, host, cmd string) (*ssh.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{host: host, cmd: cmd})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(host, cmd)
	}
	if strings.HasPrefix(cmd, "ping ") {
		return &ssh.Result{Stdout: []string{probeOutput}}, nil
	}
	return &ssh.Result{}, nil
}

func (f *fakeExecutor) Upload(_ context.Context, host, local, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, execCall{host: host, cmd: local + " -> " + remote})
	return nil
}

func (f *fakeExecutor) Download(_ context.Context, host, remote, local string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, execCall{host: host, cmd: remote + " -> " + local})
	return nil
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.cmd
	}
	return out
}

func testSettings() *config.Settings {
	return &config.Settings{
		Server: config.Server{
			Hostname:      "sat.example.com",
			AdminUsername: "admin",
			AdminPassword: "changeme",
		},
		Clients: config.Clients{
			ProvisioningServer: "provisioner.example.com",
			ImageDir:           "/opt/images",
			// No settle interval: tests must not sleep.
		},
		Distro: config.Distro{
			ImageEL6: "rhel66",
			ImageEL7: "rhel71",
		},
		Repos: config.Repos{
			RHEL6:       "http://repos.example.com/rhel6.repo",
			RHEL7:       "http://repos.example.com/rhel7.repo",
			InsightsEL6: "http://repos.example.com/insights6.repo",
			InsightsEL7: "http://repos.example.com/insights7.repo",
		},
	}
}

// awaitStub replaces the SSH-readiness wait so tests never dial.
func awaitStub(context.Context, string, uint16, time.Duration) error { return nil }

func newTestVM(t *testing.T, exec *fakeExecutor, opts ...Option) *VM {
	t.Helper()
	m, err := New(testSettings(), exec, opts...)
	require.NoError(t, err)
	m.await = awaitStub
	return m
}

func createTestVM(t *testing.T, exec *fakeExecutor, opts ...Option) *VM {
	t.Helper()
	m := newTestVM(t, exec, opts...)
	require.NoError(t, m.Create(t.Context()))
	return m
}

func TestNew(t *testing.T) {
	exec := &fakeExecutor{}

	t.Run("supported-distros", func(t *testing.T) {
		for _, distro := range []string{"", "rhel6", "rhel7", "rhel66", "rhel71"} {
			_, err := New(testSettings(), exec, WithDistro(distro))
			require.NoError(t, err, "distro %q", distro)
		}
	})

	t.Run("unsupported-distro", func(t *testing.T) {
		_, err := New(testSettings(), exec, WithDistro("fedora40"))
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("distro-aliases-resolve-to-images", func(t *testing.T) {
		m := newTestVM(t, exec, WithDistro("rhel6"))
		assert.Equal(t, "rhel66", m.distro)
		m = newTestVM(t, exec)
		assert.Equal(t, "rhel71", m.distro)
	})

	t.Run("missing-provisioning-server", func(t *testing.T) {
		settings := testSettings()
		settings.Clients.ProvisioningServer = ""
		_, err := New(settings, exec)
		require.ErrorIs(t, err, ErrConfiguration)

		// An explicit server fills the gap.
		_, err = New(settings, exec, WithProvisioningServer("other.example.com"))
		require.NoError(t, err)
	})

	t.Run("non-positive-allocations", func(t *testing.T) {
		_, err := New(testSettings(), exec, WithCPU(0))
		require.ErrorIs(t, err, ErrConfiguration)
		_, err = New(testSettings(), exec, WithMemory(-1))
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("underivable-domain", func(t *testing.T) {
		_, err := New(testSettings(), exec, WithProvisioningServer("provisioner"))
		require.ErrorIs(t, err, ErrConfiguration)

		// An explicit domain or hostname makes it fine.
		_, err = New(testSettings(), exec,
			WithProvisioningServer("provisioner"), WithDomain("example.org"))
		require.NoError(t, err)
		_, err = New(testSettings(), exec,
			WithProvisioningServer("provisioner"), WithHostname("client.example.org"))
		require.NoError(t, err)
	})
}

func TestNaming(t *testing.T) {
	exec := &fakeExecutor{}

	t.Run("derived", func(t *testing.T) {
		m := newTestVM(t, exec, WithTargetImage("c1"))
		assert.Equal(t, "example.com", m.Domain())
		assert.Equal(t, "c1.example.com", m.Hostname())
		// Without an explicit hostname the image carries the FQDN.
		assert.Equal(t, "c1.example.com", m.TargetImage())
	})

	t.Run("explicit-hostname-keeps-raw-image-name", func(t *testing.T) {
		m := newTestVM(t, exec, WithTargetImage("c1"), WithHostname("client.example.org"))
		assert.Equal(t, "client.example.org", m.Hostname())
		assert.Equal(t, "c1", m.TargetImage())
	})

	t.Run("explicit-domain", func(t *testing.T) {
		m := newTestVM(t, exec, WithTargetImage("c1"), WithDomain("lab.example.org"))
		assert.Equal(t, "lab.example.org", m.Domain())
		assert.Equal(t, "c1.lab.example.org", m.Hostname())
	})

	t.Run("tag-prefixes-image-name", func(t *testing.T) {
		m := newTestVM(t, exec, WithTargetImage("c1"), WithTag("scenario-"))
		assert.Equal(t, "scenario-c1.example.com", m.TargetImage())
	})

	t.Run("generated-names-are-unique", func(t *testing.T) {
		a := newTestVM(t, exec)
		b := newTestVM(t, exec)
		assert.NotEqual(t, a.TargetImage(), b.TargetImage())
	})
}

func TestCreate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec, WithTargetImage("c1"), WithDistro("rhel7"))

		assert.Equal(t, StateCreated, m.State())
		assert.Equal(t, "192.0.2.5", m.IPAddr())

		commands := exec.commands()
		require.Len(t, commands, 2)
		assert.Equal(t,
			"snap-guest -b rhel71-base -t c1.example.com -m 512 -c 1 -n bridge=br0 -f -p /opt/images",
			commands[0])
		assert.Equal(t, "ping -c 1 c1.local", commands[1])
		assert.Equal(t, "provisioner.example.com", exec.calls[0].host)
	})

	t.Run("explicit-hostname-and-domain-flags", func(t *testing.T) {
		exec := &fakeExecutor{}
		createTestVM(t, exec,
			WithTargetImage("c1"),
			WithHostname("client.lab.example.org"),
			WithDomain("lab.example.org"))
		assert.Contains(t, exec.commands()[0], "--hostname client.lab.example.org")
		assert.Contains(t, exec.commands()[0], "-d lab.example.org")
	})

	t.Run("idempotent", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec)
		require.NoError(t, m.Create(t.Context()))
		// Still just one snap-guest and one ping.
		assert.Len(t, exec.commands(), 2)
	})

	t.Run("provision-command-fails", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(_, cmd string) (*ssh.Result, error) {
			if strings.HasPrefix(cmd, "snap-guest") {
				return &ssh.Result{ExitCode: 1, Stderr: []string{"no space left"}}, nil
			}
			return &ssh.Result{}, nil
		}}
		m := newTestVM(t, exec)
		err := m.Create(t.Context())
		require.ErrorIs(t, err, ErrProvisioning)
		assert.Contains(t, err.Error(), "no space left")
		assert.Equal(t, StateUninitialized, m.State())
		assert.Empty(t, m.IPAddr())
	})

	t.Run("probe-fails", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(_, cmd string) (*ssh.Result, error) {
			if strings.HasPrefix(cmd, "ping ") {
				return &ssh.Result{ExitCode: 1}, nil
			}
			return &ssh.Result{}, nil
		}}
		err := newTestVM(t, exec).Create(t.Context())
		require.ErrorIs(t, err, ErrProvisioning)
		assert.Contains(t, err.Error(), "address discovery failed")
	})

	t.Run("probe-output-unparseable", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(_, cmd string) (*ssh.Result, error) {
			if strings.HasPrefix(cmd, "ping ") {
				return &ssh.Result{Stdout: []string{"no address here"}}, nil
			}
			return &ssh.Result{}, nil
		}}
		err := newTestVM(t, exec).Create(t.Context())
		require.ErrorIs(t, err, ErrProvisioning)
	})

	t.Run("create-after-destroy", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec)
		require.NoError(t, m.Destroy(t.Context()))
		require.ErrorIs(t, m.Create(t.Context()), ErrLifecycle)
	})
}

func TestCreateWaitsForSSH(t *testing.T) {
	t.Run("waits-on-the-resolved-address", func(t *testing.T) {
		exec := &fakeExecutor{}
		m, err := New(testSettings(), exec, WithTargetImage("c1"))
		require.NoError(t, err)

		var gotHost string
		var gotPort uint16
		m.await = func(_ context.Context, host string, port uint16, _ time.Duration) error {
			gotHost, gotPort = host, port
			return nil
		}
		require.NoError(t, m.Create(t.Context()))
		assert.Equal(t, "192.0.2.5", gotHost)
		assert.Equal(t, uint16(22), gotPort)
	})

	t.Run("ssh-never-ready-fails-provisioning", func(t *testing.T) {
		exec := &fakeExecutor{}
		m, err := New(testSettings(), exec)
		require.NoError(t, err)
		m.await = func(context.Context, string, uint16, time.Duration) error {
			return fmt.Errorf("timed out waiting for 192.0.2.5:22 to become reachable")
		}
		err = m.Create(t.Context())
		require.ErrorIs(t, err, ErrProvisioning)
		assert.Equal(t, StateUninitialized, m.State())
	})

	t.Run("zero-timeout-disables-the-wait", func(t *testing.T) {
		exec := &fakeExecutor{}
		m, err := New(testSettings(), exec, WithReadyTimeout(0))
		require.NoError(t, err)
		m.await = func(context.Context, string, uint16, time.Duration) error {
			return fmt.Errorf("must not be called")
		}
		require.NoError(t, m.Create(t.Context()))
	})

	t.Run("configured-port", func(t *testing.T) {
		exec := &fakeExecutor{}
		settings := testSettings()
		settings.SSH.Port = 2222
		m, err := New(settings, exec)
		require.NoError(t, err)

		var gotPort uint16
		m.await = func(_ context.Context, _ string, port uint16, _ time.Duration) error {
			gotPort = port
			return nil
		}
		require.NoError(t, m.Create(t.Context()))
		assert.Equal(t, uint16(2222), gotPort)
	})
}

func TestParseProbeAddr(t *testing.T) {
	addr, err := parseProbeAddr("PING c1.local (192.0.2.5) 56(84) bytes of data.")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5", addr)

	_, err = parseProbeAddr("nothing to see")
	require.ErrorIs(t, err, ErrProvisioning)

	_, err = parseProbeAddr("unbalanced (192.0.2.5")
	require.ErrorIs(t, err, ErrProvisioning)
}

func TestLifecyclePreconditions(t *testing.T) {
	exec := &fakeExecutor{}
	m := newTestVM(t, exec)

	_, err := m.Run(t.Context(), "ls")
	require.ErrorIs(t, err, ErrLifecycle)
	require.ErrorIs(t, m.Put(t.Context(), "/tmp/a", "/tmp/b"), ErrLifecycle)
	require.ErrorIs(t, m.Get(t.Context(), "/tmp/a", "/tmp/b"), ErrLifecycle)
	require.ErrorIs(t, m.InstallTrustAnchor(t.Context()), ErrLifecycle)
	require.ErrorIs(t, m.RemoveTrustAnchor(t.Context()), ErrLifecycle)

	assert.Empty(t, exec.commands(), "no remote commands may be issued before create")
}

func TestRunAndTransfer(t *testing.T) {
	exec := &fakeExecutor{}
	m := createTestVM(t, exec)

	result, err := m.Run(t.Context(), "ls /etc")
	require.NoError(t, err)
	assert.True(t, result.OK())
	last := exec.calls[len(exec.calls)-1]
	assert.Equal(t, "192.0.2.5", last.host)
	assert.Equal(t, "ls /etc", last.cmd)

	require.NoError(t, m.Put(t.Context(), "/tmp/local", "/tmp/remote"))
	require.NoError(t, m.Get(t.Context(), "/tmp/remote", "/tmp/local"))
	require.Len(t, exec.uploads, 1)
	require.Len(t, exec.downloads, 1)
	assert.Equal(t, "192.0.2.5", exec.uploads[0].host)
}

func TestDestroy(t *testing.T) {
	t.Run("before-create-is-a-noop", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newTestVM(t, exec)
		require.NoError(t, m.Destroy(t.Context()))
		assert.Empty(t, exec.commands())
		assert.Equal(t, StateUninitialized, m.State())
	})

	t.Run("issues-teardown-commands-in-order", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec, WithTargetImage("c1"))
		require.NoError(t, m.Destroy(t.Context()))

		commands := exec.commands()[2:] // skip snap-guest + ping
		require.Equal(t, []string{
			"virsh destroy c1.example.com",
			"virsh undefine c1.example.com",
			"rm /opt/images/c1.example.com.img",
		}, commands)
		assert.Equal(t, StateDestroyed, m.State())
		assert.Empty(t, m.IPAddr())
	})

	t.Run("always-reaches-destroyed-even-when-everything-fails", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec)
		exec.respond = func(_, _ string) (*ssh.Result, error) {
			return nil, fmt.Errorf("connection refused")
		}
		err := m.Destroy(t.Context())
		require.Error(t, err)
		assert.Equal(t, StateDestroyed, m.State())
		// All three teardown commands were still attempted.
		assert.Len(t, exec.commands(), 5)
	})

	t.Run("unregisters-first-when-subscribed", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec)
		_, err := m.RegisterContentHost(t.Context(), "Org1", RegisterOptions{ActivationKey: "ak1"})
		require.NoError(t, err)
		require.True(t, m.Subscribed())

		require.NoError(t, m.Destroy(t.Context()))
		commands := exec.commands()
		// register, then unregister ahead of the teardown commands.
		assert.Equal(t, "subscription-manager unregister", commands[3])
		assert.True(t, strings.HasPrefix(commands[4], "virsh destroy"))
	})

	t.Run("destroy-twice-is-a-noop", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := createTestVM(t, exec)
		require.NoError(t, m.Destroy(t.Context()))
		issued := len(exec.commands())
		require.NoError(t, m.Destroy(t.Context()))
		assert.Len(t, exec.commands(), issued)
	})
}

// DestroyImage cleans up guests by name alone, for when the handle that
// created them is gone.
func TestDestroyImage(t *testing.T) {
	t.Run("issues-the-teardown-commands", func(t *testing.T) {
		exec := &fakeExecutor{}
		require.NoError(t, DestroyImage(t.Context(), exec,
			"provisioner.example.com", "/opt/images", "orphan.example.com"))
		require.Equal(t, []string{
			"virsh destroy orphan.example.com",
			"virsh undefine orphan.example.com",
			"rm /opt/images/orphan.example.com.img",
		}, exec.commands())
		assert.Equal(t, "provisioner.example.com", exec.calls[0].host)
	})

	t.Run("attempts-everything-and-joins-failures", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(_, cmd string) (*ssh.Result, error) {
			if strings.HasPrefix(cmd, "virsh ") {
				return &ssh.Result{ExitCode: 1, Stderr: []string{"domain not found"}}, nil
			}
			return &ssh.Result{}, nil
		}}
		err := DestroyImage(t.Context(), exec,
			"provisioner.example.com", "/opt/images", "orphan.example.com")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "domain not found")
		assert.Len(t, exec.commands(), 3, "the image removal still runs")
	})
}

func TestWith(t *testing.T) {
	t.Run("destroys-on-success", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newTestVM(t, exec)
		err := m.With(t.Context(), func(ctx context.Context, m *VM) error {
			_, err := m.Run(ctx, "ls")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, StateDestroyed, m.State())
	})

	t.Run("destroys-when-the-scenario-fails", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newTestVM(t, exec)
		scenarioErr := fmt.Errorf("scenario blew up")
		err := m.With(t.Context(), func(context.Context, *VM) error {
			return scenarioErr
		})
		require.ErrorIs(t, err, scenarioErr)
		assert.Equal(t, StateDestroyed, m.State())
	})

	t.Run("scenario-error-wins-over-teardown-error", func(t *testing.T) {
		exec := &fakeExecutor{}
		m := newTestVM(t, exec)
		scenarioErr := fmt.Errorf("scenario blew up")
		err := m.With(t.Context(), func(context.Context, *VM) error {
			exec.respond = func(_, _ string) (*ssh.Result, error) {
				return nil, fmt.Errorf("connection refused")
			}
			return scenarioErr
		})
		require.ErrorIs(t, err, scenarioErr)
		assert.Equal(t, StateDestroyed, m.State())
	})

	t.Run("create-failure-skips-the-scenario", func(t *testing.T) {
		exec := &fakeExecutor{respond: func(_, _ string) (*ssh.Result, error) {
			return &ssh.Result{ExitCode: 1}, nil
		}}
		m := newTestVM(t, exec)
		ran := false
		err := m.With(t.Context(), func(context.Context, *VM) error {
			ran = true
			return nil
		})
		require.ErrorIs(t, err, ErrProvisioning)
		assert.False(t, ran)
	})
}
