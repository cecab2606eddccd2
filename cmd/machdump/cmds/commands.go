package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/machdump/pkg/config"
	"github.com/go-delve/machdump/pkg/logflags"
	"github.com/go-delve/machdump/pkg/minidump"
	"github.com/go-delve/machdump/pkg/taskdump"
	"github.com/go-delve/machdump/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// output is the path of the minidump written by the dump command.
	output string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

// openTask returns the TaskDumper for the task of pid and a function
// releasing it.
var openTask = func(pid int) (*taskdump.TaskDumper, func() error, error) {
	task, err := taskdump.AttachPid(pid)
	if err != nil {
		return nil, nil, err
	}
	return taskdump.New(task), task.Close, nil
}

const machdumpCommandLongDesc = `machdump inspects a running macOS process from the outside.

It reads the list of images loaded by dyld in the target task and writes a
minidump describing them, the target should be stopped while machdump runs.
Reading another task requires root privileges or the
com.apple.security.cs.debugger entitlement.`

// New returns an initialized command tree. When docCall is true the
// configuration file is neither read nor created.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}

	// Main machdump root command.
	rootCommand = &cobra.Command{
		Use:          "machdump",
		Short:        "machdump writes minidumps of macOS processes.",
		Long:         machdumpCommandLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("log-output") && log {
				logOutput = conf.LogOutput
			}
			if !cmd.Flags().Changed("log-dest") {
				logDest = conf.LogDest
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.SetGlobalNormalizationFunc(normalizeFlagName)

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'machdump help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'machdump help log').")

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump pid",
		Short: "Write a minidump of a running process.",
		Long: `Write a minidump of a running process.

The minidump contains the list of modules loaded in the process and its
process id. Unless --output is specified the file is named <pid>.dmp and
written to the output-dir set in the configuration file, or to the current
directory.
`,
		PersistentPreRunE: requirePid(1),
		RunE:              dumpCmd,
	}
	dumpCommand.Flags().StringVarP(&output, "output", "o", "", "Output file.")
	rootCommand.AddCommand(dumpCommand)

	// 'modules' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:               "modules pid",
		Short:             "List the modules loaded in a running process.",
		PersistentPreRunE: requirePid(1),
		RunE:              modulesCmd,
	})

	// 'threads' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:               "threads pid",
		Short:             "List the threads of a running process.",
		PersistentPreRunE: requirePid(1),
		RunE:              threadsCmd,
	})

	// 'region' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "region pid address",
		Short: "Print the virtual memory region containing an address.",
		Long: `Print the virtual memory region containing an address.

If the address is not mapped the first region after it is printed.
`,
		PersistentPreRunE: requirePid(2),
		RunE:              regionCmd,
	})

	// 'version' subcommand.
	var buildInfo bool
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "machdump\n%s\n", version.MachdumpVersion)
			if buildInfo {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&buildInfo, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	taskdump	Log reads of the target task
	minidump	Log module enumeration and minidump writing
	kernel		Log failed mach kernel calls

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

Both can also be set with the log-output and log-dest options of the
configuration file.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// normalizeFlagName accepts underscores in place of dashes in flag names.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// requirePid checks that the command has nargs arguments, the first of
// which is a pid.
func requirePid(nargs int) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return errors.New("you must provide a PID")
		}
		if len(args) != nargs {
			return fmt.Errorf("%s expects %d arguments", cmd.Name(), nargs)
		}
		if _, err := parsePid(args[0]); err != nil {
			return err
		}
		return rootCommand.PersistentPreRunE(cmd, args)
	}
}

func parsePid(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", arg)
	}
	return pid, nil
}

// withTask opens the task of the pid in args[0] and calls fn.
func withTask(args []string, fn func(pid int, td *taskdump.TaskDumper) error) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	td, release, err := openTask(pid)
	if err != nil {
		return fmt.Errorf("could not attach to pid %d: %w", pid, err)
	}
	defer release()
	return fn(pid, td)
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	return withTask(args, func(pid int, td *taskdump.TaskDumper) error {
		path := output
		if path == "" {
			path = filepath.Join(conf.OutputDir, fmt.Sprintf("%d.dmp", pid))
		}

		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := minidump.NewWriter(td, pid).Dump(f); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dump written to %s\n", path)
		return nil
	})
}

func modulesCmd(cmd *cobra.Command, args []string) error {
	return withTask(args, func(pid int, td *taskdump.TaskDumper) error {
		mods, err := minidump.ReadLoadedModules(td)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
		for _, mod := range mods {
			printModule(w, &mod)
		}
		return w.Flush()
	})
}

func printModule(w io.Writer, mod *minidump.ModuleInfo) {
	ver := "-"
	if mod.Version != nil {
		ver = fmt.Sprintf("%d.%d.%d", *mod.Version>>16, (*mod.Version>>8)&0xff, *mod.Version&0xff)
	}
	mark := ""
	if mod.MainExecutable {
		mark = "*"
	}
	fmt.Fprintf(w, "%s\t%#016x\t%#x\t%s\t%x\t%s\n", mark, mod.Base, mod.Size, ver, mod.UUID, mod.Name)
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	return withTask(args, func(pid int, td *taskdump.TaskDumper) error {
		threads, err := td.Threads()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
		for _, thread := range threads {
			state, err := td.ReadThreadState(thread)
			if err != nil {
				fmt.Fprintf(w, "%#x\t%v\n", thread, err)
				continue
			}
			fmt.Fprintf(w, "%#x\tpc=%#016x\tsp=%#016x\n", thread, state.PC(), state.SP())
		}
		return w.Flush()
	})
}

func regionCmd(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address: %s", args[1])
	}
	return withTask(args, func(pid int, td *taskdump.TaskDumper) error {
		region, err := td.GetVMRegion(addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%#016x-%#016x %s/%s %#x\n", region.Start, region.End, region.Protection, region.MaxProtection, region.Size())
		if !region.Contains(addr) {
			fmt.Fprintf(cmd.OutOrStdout(), "%#x is not mapped\n", addr)
		}
		return nil
	})
}
