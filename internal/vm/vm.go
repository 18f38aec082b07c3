// Package vm manages ephemeral client virtual machines for the acceptance
// suite. Clients are provisioned on a remote libvirt host (the provisioning
// server) with snap-guest, addressed by a derived hostname, driven over SSH
// and torn down when the scenario is done.
//
// The usual shape of a scenario:
//
//	client, err := vm.New(settings, executor, vm.WithDistro("rhel7"))
//	...
//	err = client.With(ctx, func(ctx context.Context, client *vm.VM) error {
//		result, err := client.Run(ctx, "ls")
//		...
//	})
//
// With guarantees the VM and its backing image are removed from the
// provisioning server on every exit path. A VM that is created without With
// must be destroyed explicitly or it keeps consuming hardware resources on
// the provisioning server.
package vm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/satqe/clientvm/internal/config"
	"github.com/satqe/clientvm/internal/harness"
	"github.com/satqe/clientvm/internal/ssh"
)

// State is the lifecycle position of a VM. The zero value is
// StateUninitialized; StateDestroyed is terminal.
type State uint8

const (
	StateUninitialized State = iota
	StateCreated
	StateDestroyed
)

// defaultReadyTimeout is how long Create waits for the guest's SSH daemon
// once the guest answers ping.
const defaultReadyTimeout = 3 * time.Minute

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreated:
		return "created"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

var _ harness.Harness = (*VM)(nil)

// VM is the handle to one ephemeral client machine. Capacity and identity
// are fixed at construction; only the lifecycle state, the resolved address
// and the registration flag change afterwards.
//
// A VM issues one remote command at a time. Distinct VM instances are
// independent and safe to drive from separate goroutines.
type VM struct {
	cpu    int
	memory int
	distro string

	provisioningServer string
	imageDir           string

	// Explicit overrides; empty means derive.
	hostname string
	domain   string

	// targetImage is the per-instance unique tag naming the backing image
	// and the default hostname.
	targetImage string

	settleInterval time.Duration
	readyTimeout   time.Duration
	sshPort        uint16

	settings *config.Settings
	exec     ssh.Executor
	certs    CertInstaller

	// await blocks until host:port accepts TCP connections. Defaults to
	// ssh.AwaitReachable; tests substitute it.
	await func(ctx context.Context, host string, port uint16, timeout time.Duration) error

	state      State
	ipAddr     string
	subscribed bool
}

// Option customizes a VM at construction.
type Option func(*VM)

// WithCPU sets the number of virtual CPUs (default 1).
func WithCPU(cpus int) Option { return func(m *VM) { m.cpu = cpus } }

// WithMemory sets the memory allocation in MiB (default 512).
func WithMemory(mib int) Option { return func(m *VM) { m.memory = mib } }

// WithDistro picks the base image. Accepts the aliases "rhel6" and "rhel7"
// or one of the configured base-image names directly.
func WithDistro(distro string) Option { return func(m *VM) { m.distro = distro } }

// WithProvisioningServer overrides the configured provisioning server.
func WithProvisioningServer(host string) Option {
	return func(m *VM) { m.provisioningServer = host }
}

// WithImageDir overrides where the backing image lives on the provisioning
// server.
func WithImageDir(dir string) Option { return func(m *VM) { m.imageDir = dir } }

// WithTag prefixes the generated image name, making related VMs easy to
// spot on the provisioning server.
func WithTag(tag string) Option { return func(m *VM) { m.targetImage = tag + m.targetImage } }

// WithTargetImage replaces the generated unique image name entirely.
func WithTargetImage(name string) Option { return func(m *VM) { m.targetImage = name } }

// WithHostname sets an explicit hostname instead of deriving one from the
// image name and domain.
func WithHostname(hostname string) Option { return func(m *VM) { m.hostname = hostname } }

// WithDomain sets an explicit domain instead of deriving it from the
// provisioning server's name.
func WithDomain(domain string) Option { return func(m *VM) { m.domain = domain } }

// WithSettleInterval overrides how long Create waits for the guest to boot
// before probing it.
func WithSettleInterval(d time.Duration) Option { return func(m *VM) { m.settleInterval = d } }

// WithReadyTimeout bounds how long Create waits for the guest's SSH daemon
// after the guest answers ping. Zero disables the wait.
func WithReadyTimeout(d time.Duration) Option { return func(m *VM) { m.readyTimeout = d } }

// WithCertInstaller substitutes the trust-anchor collaborator.
func WithCertInstaller(ci CertInstaller) Option { return func(m *VM) { m.certs = ci } }

// New validates the requested configuration and returns an uninitialized
// VM handle. Nothing is provisioned until Create.
//
// Option order matters for WithTag/WithTargetImage: a tag prefixes
// whatever image name is set at the time, matching how callers combine
// them (WithTargetImage first, WithTag second).
func New(settings *config.Settings, exec ssh.Executor, opts ...Option) (*VM, error) {
	m := &VM{
		cpu:                1,
		memory:             512,
		provisioningServer: settings.Clients.ProvisioningServer,
		imageDir:           settings.Clients.ImageDir,
		targetImage:        uniqueImageName(),
		settleInterval:     settings.Clients.SettleInterval,
		readyTimeout:       defaultReadyTimeout,
		sshPort:            settings.SSH.Port,
		settings:           settings,
		exec:               exec,
		await:              ssh.AwaitReachable,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cpu <= 0 || m.memory <= 0 {
		return nil, fmt.Errorf("%w: cpu and memory allocations must be positive", ErrConfiguration)
	}

	distro, err := resolveDistro(m.distro, settings)
	if err != nil {
		return nil, err
	}
	m.distro = distro

	if m.provisioningServer == "" {
		return nil, fmt.Errorf(
			"%w: a provisioning server must be provided, either via "+
				"clients.provisioning_server or WithProvisioningServer",
			ErrConfiguration)
	}

	// The derived hostname needs a domain; without an explicit one it comes
	// from the provisioning server's name, which must then be fully
	// qualified.
	if m.hostname == "" && m.domain == "" && !strings.Contains(m.provisioningServer, ".") {
		return nil, fmt.Errorf(
			"%w: failed to derive a domain from provisioning server %q; "+
				"provide an explicit domain or hostname",
			ErrConfiguration, m.provisioningServer)
	}

	if m.sshPort == 0 {
		m.sshPort = 22
	}
	if m.certs == nil {
		m.certs = NewServerCA(exec, settings.Server.Hostname)
	}
	return m, nil
}

// resolveDistro maps the requested distro through the configured base-image
// set. An empty request defaults to the EL7 image.
func resolveDistro(requested string, settings *config.Settings) (string, error) {
	switch requested {
	case "", "rhel7":
		return settings.Distro.ImageEL7, nil
	case "rhel6":
		return settings.Distro.ImageEL6, nil
	}
	for _, image := range settings.SupportedImages() {
		if requested == image {
			return image, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a supported distro, choose one of %s",
		ErrConfiguration, requested, strings.Join(settings.SupportedImages(), ", "))
}

// uniqueImageName derives a fresh per-instance image tag.
func uniqueImageName() string {
	return "client-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Domain is the client's DNS domain: the explicit override when set,
// otherwise the provisioning server's name with its first label stripped.
func (m *VM) Domain() string {
	if m.domain != "" {
		return m.domain
	}
	_, domain, _ := strings.Cut(m.provisioningServer, ".")
	return domain
}

// Hostname is the client's fully qualified name.
func (m *VM) Hostname() string {
	if m.hostname != "" {
		return m.hostname
	}
	return m.targetImage + "." + m.Domain()
}

// TargetImage names the backing image and the guest on the provisioning
// server. Unless an explicit hostname was requested, the image carries the
// fully qualified name so the guest's identity is visible in virsh output.
func (m *VM) TargetImage() string {
	if m.hostname != "" {
		return m.targetImage
	}
	return m.Hostname()
}

// IPAddr is the client's resolved address. Empty unless the VM is in
// StateCreated.
func (m *VM) IPAddr() string { return m.ipAddr }

// State reports the lifecycle position.
func (m *VM) State() State { return m.state }

// Subscribed reports whether the client has registered with the content
// service since creation.
func (m *VM) Subscribed() bool { return m.subscribed }

// requireCreated gates operations that need a live machine.
func (m *VM) requireCreated(op string) error {
	if m.state != StateCreated {
		return fmt.Errorf("%w: the client VM must be created before attempting to %s (state: %s)",
			ErrLifecycle, op, m.state)
	}
	return nil
}
