package vm

// orchestrate.go holds the higher-level configuration sequences the
// acceptance scenarios drive. Each helper is a fixed, ordered list of
// remote commands: later steps depend on state established by earlier ones
// (a repo must exist before the package installs, the trust anchor must be
// in place before registration), so the sequences must not be reordered.
// The first checked step that exits non-zero aborts the sequence with an
// error naming the step.

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"

	"github.com/satqe/clientvm/internal/vm/cmdbuild"
)

// step is one remote command in an orchestration sequence.
type step struct {
	name string
	cmd  string

	// host overrides the target; empty means the client itself. The
	// puppet certificate signing, for example, happens on the server.
	host string

	// unchecked steps tolerate a non-zero exit. The initial puppet agent
	// runs are the usual case: they exit non-zero while the client's
	// certificate is still unsigned.
	unchecked bool
}

func (m *VM) runSteps(ctx context.Context, task string, steps []step) error {
	if err := m.requireCreated(task); err != nil {
		return err
	}
	log := clog.FromContext(ctx).With("image", m.TargetImage(), "task", task)
	for _, st := range steps {
		host := st.host
		if host == "" {
			host = m.ipAddr
		}
		log.Debug("running step", "step", st.name)
		result, err := m.exec.Execute(ctx, host, st.cmd)
		if err != nil {
			return fmt.Errorf("%w: %s: step %q: %w", ErrLifecycle, task, st.name, err)
		}
		if !result.OK() && !st.unchecked {
			return fmt.Errorf("%w: %s: step %q exited %d: %s",
				ErrLifecycle, task, st.name, result.ExitCode,
				strings.Join(result.Stderr, "\n"))
		}
	}
	return nil
}

// DownloadInstallRPM fetches 'pkg' from 'repoURL' and installs it on the
// client.
func (m *VM) DownloadInstallRPM(ctx context.Context, repoURL, pkg string) error {
	return m.runSteps(ctx, "download and install rpm", []step{
		{name: "download", cmd: fmt.Sprintf(
			`wget -nd -r -l1 --no-parent -A '%s.rpm' %s`, pkg, repoURL)},
		{name: "install", cmd: fmt.Sprintf("rpm -i %s.rpm", pkg)},
		{name: "verify", cmd: fmt.Sprintf("rpm -q %s", pkg)},
	})
}

// EnableRepo enables the named subscription repository on the client.
func (m *VM) EnableRepo(ctx context.Context, repo string) error {
	return m.runSteps(ctx, "enable repository", []step{
		{name: "enable", cmd: cmdbuild.New("subscription-manager").
			Arg("repos").Option("--enable", repo).String()},
	})
}

// ConfigureRHELRepo points the client at a platform repository. The
// platform repos are too large to sync during a test run, so clients get a
// repo file referencing 'repoURL' directly.
func (m *VM) ConfigureRHELRepo(ctx context.Context, repoURL string) error {
	return m.runSteps(ctx, "configure platform repository", []step{
		{name: "write-repo-file", cmd: fmt.Sprintf(
			"wget -O /etc/yum.repos.d/rhel.repo %s", repoURL)},
	})
}

// InstallKatelloAgent installs the monitoring agent on the client.
func (m *VM) InstallKatelloAgent(ctx context.Context) error {
	return m.runSteps(ctx, "install katello agent", []step{
		{name: "install", cmd: "yum install -y katello-agent"},
		{name: "verify", cmd: "rpm -q katello-agent"},
	})
}

// ConfigurePuppet installs and configures the puppet agent end to end:
// platform repo, package install, agent configuration pointed at the
// server, an initial agent run to request a certificate, signing on the
// server, and a final agent run that creates the host entity there.
func (m *VM) ConfigurePuppet(ctx context.Context, repoURL string) error {
	if err := m.ConfigureRHELRepo(ctx, repoURL); err != nil {
		return err
	}

	server := m.settings.Server.Hostname
	conf := strings.Join([]string{
		"pluginsync      = true",
		"report          = true",
		"ignoreschedules = true",
		"daemon          = false",
		"ca_server       = " + server,
		"server          = " + server,
		"",
	}, "\n")

	return m.runSteps(ctx, "configure puppet", []step{
		{name: "install", cmd: "yum install -y puppet"},
		{name: "write-config", cmd: shellquote.Join("echo", conf) + " >> /etc/puppet/puppet.conf"},
		// Requests a certificate from the server; exits non-zero until it
		// is signed.
		{name: "initial-agent-run", cmd: "puppet agent -t", unchecked: true},
		{name: "sign-certificates", cmd: "puppet cert sign --all", host: server, unchecked: true},
		{name: "final-agent-run", cmd: "puppet agent -t 2> /dev/null", unchecked: true},
	})
}

// ExecuteSCAPClient runs the compliance-scan client to produce a security
// audit report. An empty policyID is discovered from the scan client's own
// configuration on the client.
func (m *VM) ExecuteSCAPClient(ctx context.Context, policyID string) error {
	if err := m.requireCreated("execute the compliance-scan client"); err != nil {
		return err
	}
	if policyID == "" {
		result, err := m.Run(ctx,
			`awk -F "/" '/download_path/ {print $4}' /etc/foreman_scap_client/config.yaml`)
		if err != nil {
			return fmt.Errorf("%w: compliance scan: step %q: %w",
				ErrLifecycle, "discover-policy", err)
		}
		if !result.OK() || len(result.Stdout) == 0 {
			return fmt.Errorf("%w: compliance scan: step %q found no policy id",
				ErrLifecycle, "discover-policy")
		}
		policyID = strings.TrimSpace(result.Stdout[0])
	}
	return m.runSteps(ctx, "compliance scan", []step{
		{name: "run-scan", cmd: cmdbuild.New("foreman_scap_client").Arg(policyID).String()},
	})
}

// ConfigureRHAIClient configures the insights/telemetry client end to end:
// trust anchor, registration with the given activation key, platform and
// insights repos, package install and service registration. Repo URLs for
// 'distro' ("rhel6" or "rhel7") come from the settings.
func (m *VM) ConfigureRHAIClient(ctx context.Context, activationKey, org, distro string) error {
	if err := m.InstallTrustAnchor(ctx); err != nil {
		return err
	}
	result, err := m.RegisterContentHost(ctx, org, RegisterOptions{
		ActivationKey: activationKey,
		Force:         true,
	})
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("%w: insights setup: step %q exited %d",
			ErrLifecycle, "register", result.ExitCode)
	}

	var platformRepo, insightsRepo string
	switch distro {
	case "rhel6":
		platformRepo, insightsRepo = m.settings.Repos.RHEL6, m.settings.Repos.InsightsEL6
	case "rhel7":
		platformRepo, insightsRepo = m.settings.Repos.RHEL7, m.settings.Repos.InsightsEL7
	default:
		return fmt.Errorf("%w: unknown distro %q for insights setup", ErrConfiguration, distro)
	}
	var missing []string
	if insightsRepo == "" {
		missing = append(missing, "insights client")
	}
	if platformRepo == "" {
		missing = append(missing, "platform")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s repository configuration for %s",
			ErrConfiguration, strings.Join(missing, " and "), distro)
	}

	if err := m.ConfigureRHELRepo(ctx, platformRepo); err != nil {
		return err
	}
	const pkg = "redhat-access-insights"
	return m.runSteps(ctx, "insights setup", []step{
		{name: "configure-insights-repo", cmd: fmt.Sprintf(
			"wget -O /etc/yum.repos.d/insights.repo %s", insightsRepo)},
		{name: "install-insights-client", cmd: "yum install -y " + pkg},
		{name: "verify-insights-client", cmd: "rpm -qi " + pkg},
		{name: "register-insights", cmd: pkg + " --register"},
	})
}
