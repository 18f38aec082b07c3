// Package config holds the process-wide settings for the acceptance-test
// harness. Settings are loaded exactly once at startup and treated as
// immutable afterwards; everything that needs them receives an explicit
// *Settings rather than reaching for a global.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrConfigRead     = fmt.Errorf("failed to read configuration file")
	ErrConfigDecode   = fmt.Errorf("failed to decode configuration")
	ErrConfigInvalid  = fmt.Errorf("invalid configuration")
	ErrMissingSetting = fmt.Errorf("required setting is missing")
)

// Settings is the full configuration surface of the harness.
type Settings struct {
	Server  Server  `mapstructure:"server"`
	Clients Clients `mapstructure:"clients"`
	Distro  Distro  `mapstructure:"distro"`
	Repos   Repos   `mapstructure:"repos"`
	SSH     SSH     `mapstructure:"ssh"`
}

// Server describes the server-management product under test.
type Server struct {
	// Hostname of the server the clients register against.
	Hostname string `mapstructure:"hostname"`

	// Admin credentials, used for lifecycle-environment registration.
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

// Clients configures how ephemeral client VMs are provisioned.
type Clients struct {
	// ProvisioningServer is the libvirt host that creates and destroys
	// client VMs on our behalf.
	ProvisioningServer string `mapstructure:"provisioning_server"`

	// ImageDir is where backing images live on the provisioning server.
	ImageDir string `mapstructure:"image_dir"`

	// SettleInterval is how long to wait after a VM is defined before
	// probing it for reachability, to let the guest finish booting.
	SettleInterval time.Duration `mapstructure:"settle_interval"`
}

// Distro names the base images available on the provisioning server, one
// per supported major platform version.
type Distro struct {
	ImageEL6 string `mapstructure:"image_el6"`
	ImageEL7 string `mapstructure:"image_el7"`
}

// Repos holds the repository URLs the orchestration helpers configure on
// clients. The platform repos are too large to sync during a test run, so
// clients point straight at these.
type Repos struct {
	RHEL6 string `mapstructure:"rhel6"`
	RHEL7 string `mapstructure:"rhel7"`

	InsightsEL6 string `mapstructure:"insights_el6"`
	InsightsEL7 string `mapstructure:"insights_el7"`
}

// SSH configures the transport used to reach the provisioning server and
// the clients it creates.
type SSH struct {
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
	Port    uint16 `mapstructure:"port"`
}

const (
	defaultSettleInterval = 60 * time.Second
	defaultSSHUser        = "root"
	defaultSSHPort        = 22
)

// Load reads settings from 'path' (any format viper understands), with
// environment overrides under the CLIENTVM_ prefix (CLIENTVM_CLIENTS_
// PROVISIONING_SERVER and friends). An empty 'path' loads from the
// environment alone.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetDefault("clients.settle_interval", defaultSettleInterval)
	v.SetDefault("ssh.user", defaultSSHUser)
	v.SetDefault("ssh.port", defaultSSHPort)

	v.SetEnvPrefix("CLIENTVM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigRead, err)
		}
	}

	settings := new(Settings)
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigDecode, err)
	}
	return settings, nil
}

// Validate reports the first missing setting the harness cannot run
// without. Optional settings (repo URLs, image dir) are validated lazily by
// the operations that need them.
func (s *Settings) Validate() error {
	switch {
	case s.Clients.ProvisioningServer == "":
		return fmt.Errorf("%w: clients.provisioning_server", ErrMissingSetting)
	case s.Distro.ImageEL6 == "" || s.Distro.ImageEL7 == "":
		return fmt.Errorf("%w: distro.image_el6 and distro.image_el7", ErrMissingSetting)
	case s.SSH.KeyPath == "":
		return fmt.Errorf("%w: ssh.key_path", ErrMissingSetting)
	}
	if s.Clients.SettleInterval < 0 {
		return fmt.Errorf("%w: clients.settle_interval must not be negative", ErrConfigInvalid)
	}
	return nil
}

// SupportedImages returns the closed set of base images clients may be
// provisioned from.
func (s *Settings) SupportedImages() []string {
	return []string{s.Distro.ImageEL6, s.Distro.ImageEL7}
}
