// clientvm is a debugging companion to the acceptance suite: it provisions
// the same ephemeral client VMs the suite uses, from the same
// configuration, without running any scenario around them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/satqe/clientvm/internal/config"
	"github.com/satqe/clientvm/internal/log"
	"github.com/satqe/clientvm/internal/ssh"
	"github.com/satqe/clientvm/internal/vm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	verbose    bool
	logFile    string

	cpu            int
	memory         int
	distro         string
	tag            string
	hostname       string
	domain         string
	imageDir       string
	server         string
	settleInterval time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "clientvm",
		Short:         "provision ephemeral client VMs on the acceptance-suite provisioning server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the harness configuration file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "also write logs to this file")

	for _, cmd := range []*cobra.Command{
		newExecCmd(opts),
		newProvisionCmd(opts),
		newDestroyCmd(opts),
		newPutCmd(opts),
		newGetCmd(opts),
		newCheckConfigCmd(opts),
	} {
		root.AddCommand(cmd)
	}
	return root
}

func vmFlags(cmd *cobra.Command, opts *rootOptions) {
	cmd.Flags().IntVar(&opts.cpu, "cpu", 1, "virtual CPUs")
	cmd.Flags().IntVar(&opts.memory, "ram", 512, "memory in MiB")
	cmd.Flags().StringVar(&opts.distro, "distro", "", `base image ("rhel6", "rhel7" or a configured image name)`)
	cmd.Flags().StringVar(&opts.tag, "tag", "", "prefix for the generated image name")
	cmd.Flags().StringVar(&opts.hostname, "hostname", "", "explicit hostname for the client")
	cmd.Flags().StringVar(&opts.domain, "domain", "", "explicit domain for the client")
	cmd.Flags().StringVar(&opts.imageDir, "image-dir", "", "override the backing-image directory")
	cmd.Flags().StringVar(&opts.server, "provisioning-server", "", "override the provisioning server")
	cmd.Flags().DurationVar(&opts.settleInterval, "settle", 0, "override the post-creation settle interval")
}

// setup loads settings, wires logging onto the context and builds the
// SSH executor.
func setup(cmd *cobra.Command, opts *rootOptions) (context.Context, func(), *config.Settings, *ssh.Client, error) {
	ctx, closer, err := log.Setup(cmd.Context(), log.Options{
		Verbose:  opts.verbose,
		FilePath: opts.logFile,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	settings, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, nil, nil, nil, err
	}
	client, err := ssh.NewClient(settings.SSH.User, settings.SSH.KeyPath, settings.SSH.Port)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return ctx, closer, settings, client, nil
}

func buildVM(settings *config.Settings, client *ssh.Client, opts *rootOptions) (*vm.VM, error) {
	vmOpts := []vm.Option{
		vm.WithCPU(opts.cpu),
		vm.WithMemory(opts.memory),
	}
	if opts.distro != "" {
		vmOpts = append(vmOpts, vm.WithDistro(opts.distro))
	}
	if opts.tag != "" {
		vmOpts = append(vmOpts, vm.WithTag(opts.tag))
	}
	if opts.hostname != "" {
		vmOpts = append(vmOpts, vm.WithHostname(opts.hostname))
	}
	if opts.domain != "" {
		vmOpts = append(vmOpts, vm.WithDomain(opts.domain))
	}
	if opts.imageDir != "" {
		vmOpts = append(vmOpts, vm.WithImageDir(opts.imageDir))
	}
	if opts.server != "" {
		vmOpts = append(vmOpts, vm.WithProvisioningServer(opts.server))
	}
	if opts.settleInterval > 0 {
		vmOpts = append(vmOpts, vm.WithSettleInterval(opts.settleInterval))
	}
	return vm.New(settings, client, vmOpts...)
}

// newExecCmd provisions a client, runs one command on it, prints the
// output and tears the client down again. The process exits with the
// remote command's exit code.
func newExecCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- command [args...]",
		Short: "run a command on a freshly provisioned client, then destroy it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, closer, settings, client, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closer()

			machine, err := buildVM(settings, client, opts)
			if err != nil {
				return err
			}

			exitCode := 0
			err = machine.With(ctx, func(ctx context.Context, machine *vm.VM) error {
				result, err := machine.Run(ctx, shellquote.Join(args...))
				if err != nil {
					return err
				}
				for _, line := range result.Stdout {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				for _, line := range result.Stderr {
					fmt.Fprintln(cmd.ErrOrStderr(), line)
				}
				exitCode = result.ExitCode
				return nil
			})
			if err != nil {
				return err
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}
	vmFlags(cmd, opts)
	return cmd
}

// newProvisionCmd provisions a client and keeps it alive until the hold
// duration elapses or the process receives a signal, then destroys it.
func newProvisionCmd(opts *rootOptions) *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "provision a client, hold it for inspection, then destroy it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, closer, settings, client, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closer()

			machine, err := buildVM(settings, client, opts)
			if err != nil {
				return err
			}
			return machine.With(ctx, func(ctx context.Context, machine *vm.VM) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", machine.Hostname(), machine.IPAddr())
				clog.FromContext(ctx).Info("holding client VM",
					"hold", hold, "image", machine.TargetImage())
				select {
				case <-ctx.Done():
				case <-time.After(hold):
				}
				return nil
			})
		},
	}
	vmFlags(cmd, opts)
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Minute, "how long to keep the client alive")
	return cmd
}

// newDestroyCmd removes named guests and their backing images, covering
// guests orphaned when a provision run crashed before its teardown.
func newDestroyCmd(opts *rootOptions) *cobra.Command {
	var imageDir string
	cmd := &cobra.Command{
		Use:   "destroy target-image [target-image...]",
		Short: "remove named guests and their backing images from the provisioning server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, closer, settings, client, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closer()

			dir := settings.Clients.ImageDir
			if imageDir != "" {
				dir = imageDir
			}
			var errs error
			for _, image := range args {
				errs = errors.Join(errs, vm.DestroyImage(ctx, client,
					settings.Clients.ProvisioningServer, dir, image))
			}
			return errs
		},
	}
	cmd.Flags().StringVar(&imageDir, "image-dir", "", "override the backing-image directory")
	return cmd
}

// newPutCmd copies a local file to a host reachable with the configured SSH
// access, typically a client printed by provision.
func newPutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put host local remote",
		Short: "copy a local file onto a host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, closer, _, client, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closer()
			return client.Upload(ctx, args[0], args[1], args[2])
		},
	}
}

// newGetCmd copies a file from a host to the local machine.
func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get host remote local",
		Short: "copy a file from a host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, closer, _, client, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer closer()
			return client.Download(ctx, args[0], args[1], args[2])
		},
	}
}

// newCheckConfigCmd loads and validates the configuration without touching
// the provisioning server.
func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "validate the harness configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"ok: provisioning server %s, images %s\n",
				settings.Clients.ProvisioningServer,
				settings.SupportedImages())
			return nil
		},
	}
}
