package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd := NewRootCommand(stdin, stdout)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// NewRootCommand returns the "pimp" command and its subcommands.
func NewRootCommand(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var opt struct {
		config   string
		verbose  bool
		r2       string
		maxSteps int
		timeout  int
		commands []string
	}

	root := &cobra.Command{
		Use:   "pimp",
		Short: "Pimp is a concolic execution companion for radare2",
		Long: `Pimp steers the execution of an x86 binary under radare2 by making
memory symbolic and solving for the inputs that take or avoid a branch.`,
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&opt.config, "config", DefaultConfigPath, "config file")
	root.PersistentFlags().BoolVarP(&opt.verbose, "verbose", "v", false, "verbose")
	root.PersistentFlags().StringVar(&opt.r2, "r2", "", "path to radare2")
	root.PersistentFlags().IntVar(&opt.maxSteps, "max-steps", 0, "maximum instructions per run")
	root.PersistentFlags().IntVar(&opt.timeout, "timeout", 0, "solver timeout in milliseconds")

	// load reads the config file and applies flags over it.
	load := func(cmd *cobra.Command, args []string) (Config, error) {
		config, err := ReadConfigFile(opt.config, cmd.Flags().Changed("config"))
		if err != nil {
			return config, err
		}

		flags := cmd.Flags()
		if flags.Changed("verbose") {
			config.Verbose = opt.verbose
		}
		if flags.Changed("r2") {
			config.R2.Path = opt.r2
		}
		if flags.Changed("max-steps") {
			config.MaxSteps = opt.maxSteps
		}
		if flags.Changed("timeout") {
			config.Solver.Timeout = opt.timeout
		}
		if len(args) > 0 {
			config.Binary = args[0]
		}
		if err := config.Validate(); err != nil {
			return config, err
		}

		log.SetFlags(0)
		if config.Verbose {
			log.SetOutput(os.Stderr)
		} else {
			log.SetOutput(io.Discard)
		}
		return config, nil
	}

	shellCmd := &cobra.Command{
		Use:   "shell [binary]",
		Short: "Start an interactive shell",
		Long: `Start an interactive shell. Lines starting with "pimp." are pimp
commands; everything else is passed to radare2.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := load(cmd, args)
			if err != nil {
				return err
			}
			sh, closer, err := OpenShell(config, stdout)
			if err != nil {
				return err
			}
			defer closer()
			return sh.Run(cmd.Context(), stdin)
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec [binary] -c CMD...",
		Short: "Execute commands non-interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := load(cmd, args)
			if err != nil {
				return err
			} else if len(opt.commands) == 0 {
				return errors.New("at least one -c command required")
			}
			sh, closer, err := OpenShell(config, stdout)
			if err != nil {
				return err
			}
			defer closer()

			for _, line := range opt.commands {
				if err := sh.Exec(line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	execCmd.Flags().StringArrayVarP(&opt.commands, "command", "c", nil, "command to execute (repeatable)")

	root.AddCommand(shellCmd, execCmd)
	return root
}
