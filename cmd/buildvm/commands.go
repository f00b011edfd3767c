package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alexandremahdhaoui/buildvm/pkg/buildvm"
	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"github.com/spf13/cobra"
)

// errFalse is returned by yes/no commands answering no. It sets exit status 1
// without logging an error.
var errFalse = errors.New("false")

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   Name,
		Short: "Manage disposable build VMs",
		Long: `buildvm manages the lifecycle of a disposable build VM driven by vagrant,
on top of libvirt or VirtualBox.

The VM lives in a managed directory holding its Vagrantfile. The provider is
detected from the installed hypervisor tools, the vagrant state of the
directory and the available boxes, unless --provider is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.flags.configPath, "config", "", "path to a YAML or JSON config file (env "+ConfigPathEnvKey+")")
	flags.StringVar(&a.flags.dir, "dir", DefaultDir, "managed directory holding the Vagrantfile")
	flags.StringVar(&a.flags.provider, "provider", "", "force the provider: libvirt or virtualbox")
	flags.BoolVar(&a.flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		a.versionCmd(),
		a.upCmd(),
		a.haltCmd(),
		a.suspendCmd(),
		a.destroyCmd(),
		a.sshInfoCmd(),
		a.packageCmd(),
		a.boxCmd(),
		a.snapshotCmd(),
		a.uuidOkayCmd(),
		a.cleanCmd(),
		a.execCmd(),
	)

	return root
}

// withController wraps a command body needing the controller.
func (a *app) withController(fn func(cmd *cobra.Command, c buildvm.Controller, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := a.controller()
		if err != nil {
			return err
		}
		return fn(cmd, c, args)
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
		},
	}
}

func (a *app) upCmd() *cobra.Command {
	var noProvision bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the build VM",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, _ []string) error {
			return c.Up(!noProvision)
		}),
	}
	cmd.Flags().BoolVar(&noProvision, "no-provision", false, "do not run the provisioners")

	return cmd
}

func (a *app) haltCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Force the build VM to stop",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, _ []string) error {
			return c.Halt()
		}),
	}
}

func (a *app) suspendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suspend",
		Short: "Suspend the build VM",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, _ []string) error {
			return c.Suspend()
		}),
	}
}

func (a *app) destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Destroy the build VM and its state, ignoring failures",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(cmd *cobra.Command, c buildvm.Controller, _ []string) error {
			printCleanupReport(cmd.ErrOrStderr(), c.Destroy())
			return nil
		}),
	}
}

func (a *app) sshInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ssh-info",
		Short: "Print the SSH connection parameters of the build VM as JSON",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(cmd *cobra.Command, c buildvm.Controller, _ []string) error {
			info, err := c.SSHInfo()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		}),
	}
}

func (a *app) packageCmd() *cobra.Command {
	var (
		output    string
		keepFiles bool
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Package the build VM into a vagrant box",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, _ []string) error {
			p, ok := c.(buildvm.Packager)
			if !ok {
				return errors.Join(fmt.Errorf("provider=%s", c.Provider()), errPackageUnsupported)
			}
			return p.Package(output, keepFiles)
		}),
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "box file to write (default "+buildvm.DefaultBoxOutput+")")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "keep the staging directory")

	return cmd
}

func (a *app) boxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "box",
		Short: "Manage the vagrant boxes build VMs are created from",
	}

	var force bool
	add := &cobra.Command{
		Use:   "add <name> <file>",
		Short: "Register a box file under name",
		Args:  cobra.ExactArgs(2),
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, args []string) error {
			return c.BoxAdd(args[0], args[1], force)
		}),
	}
	add.Flags().BoolVarP(&force, "force", "f", false, "replace an existing box")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a box, ignoring failures",
		Args:  cobra.ExactArgs(1),
		RunE: a.withController(func(cmd *cobra.Command, c buildvm.Controller, args []string) error {
			printCleanupReport(cmd.ErrOrStderr(), c.BoxRemove(args[0]))
			return nil
		}),
	}

	cmd.AddCommand(add, remove)

	return cmd
}

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage snapshots of the build VM",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Take a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, args []string) error {
			return c.SnapshotCreate(args[0])
		}),
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(cmd *cobra.Command, c buildvm.Controller, _ []string) error {
			snapshots, err := c.SnapshotList()
			if err != nil {
				return err
			}
			for _, s := range snapshots {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		}),
	}

	exists := &cobra.Command{
		Use:   "exists <name>",
		Short: "Exit with status 0 if the snapshot exists, 1 otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, args []string) error {
			if !c.SnapshotExists(args[0]) {
				return errFalse
			}
			return nil
		}),
	}

	revert := &cobra.Command{
		Use:   "revert <name>",
		Short: "Revert the build VM to a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: a.withController(func(_ *cobra.Command, c buildvm.Controller, args []string) error {
			return c.SnapshotRevert(args[0])
		}),
	}

	cmd.AddCommand(create, list, exists, revert)

	return cmd
}

func (a *app) uuidOkayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uuid-okay",
		Short: "Exit with status 0 if the build VM has an instance id, 1 otherwise",
		Args:  cobra.NoArgs,
		RunE: a.withController(func(cmd *cobra.Command, c buildvm.Controller, _ []string) error {
			if !c.InstanceIDOkay() {
				return errFalse
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), c.InstanceID())
			return nil
		}),
	}
}

func (a *app) cleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Recreate the build VM from scratch, wait for SSH and print its parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, info, err := buildvm.StartCleanBuilder(a.selector, a.cfg.Dir, a.cfg.Provider)
			if err != nil {
				return err
			}
			a.gs.OnShutdown(func() { a.closeController(c) })

			if _, err := a.connect(info); err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func (a *app) execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec -- <command> [args...]",
		Short: "Run a command in the build VM over SSH",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.withController(func(cmd *cobra.Command, c buildvm.Controller, args []string) error {
			info, err := buildvm.SSHInfoWithRecovery(c)
			if err != nil {
				return err
			}

			remote, err := a.connect(info)
			if err != nil {
				return err
			}

			stdout, stderr, err := remote.Run(execcontext.New(nil, nil), args...)
			_, _ = io.WriteString(cmd.OutOrStdout(), stdout)
			_, _ = io.WriteString(cmd.ErrOrStderr(), stderr)

			return err
		}),
	}
}

func printJSON(w io.Writer, info *sshconfig.Info) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func printCleanupReport(w io.Writer, report buildvm.CleanupReport) {
	for _, step := range report.Failed() {
		_, _ = fmt.Fprintf(w, "warning: %s failed: %v\n", step.Name, step.Err)
	}
}
