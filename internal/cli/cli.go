package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/clusterboot/internal/app"
	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/hclconfig"
	"github.com/vk/clusterboot/internal/report"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

// flags holds the persistent flags shared by every command.
type flags struct {
	logLevel        string
	logFormat       string
	healthcheckPort int
	report          string

	// Runtime tuning, set by the controller on the worker command line.
	memoryLimit int
	debugAddr   string
	assertions  bool
	searchPath  string
}

// IO carries the standard streams of the process.
type IO struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// NewRootCommand builds the command tree.
func NewRootCommand(streams IO) *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "clusterboot",
		Short: "Bootstrap a distributed application on a cluster of nodes",
		Long: `clusterboot discovers which nodes share storage, makes sure each node has a
compatible runtime, deploys the application once per storage group and
launches one worker per node, relaying their output.`,
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(streams.In)
	root.SetOut(streams.Out)
	root.SetErr(streams.Err)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	pf := root.PersistentFlags()
	pf.StringVar(&f.logLevel, "log-level", "info", "Logging level: debug, info, warn or error.")
	pf.StringVar(&f.logFormat, "log-format", "text", "Log output format: text or json.")
	pf.IntVar(&f.healthcheckPort, "healthcheck-port", 0, "Port of the health and status server. 0 disables it.")
	pf.StringVar(&f.report, "report", "none", "Run report written at the end: yaml, json or none.")
	pf.IntVar(&f.memoryLimit, "memory-limit", 0, "Soft memory limit of a worker in MiB. 0 leaves it unset.")
	pf.StringVar(&f.debugAddr, "debug-addr", "", "Address of a worker's profiling endpoint.")
	pf.BoolVar(&f.assertions, "assertions", false, "Enable a worker's runtime assertions.")
	pf.StringVar(&f.searchPath, "search-path", "", "Colon-separated list of binaries available to a worker.")

	root.AddCommand(
		newRunCommand(f, streams),
		newNodesCommand(f, streams),
		newWorkerCommand(f, streams),
		newVersionCommand(streams),
	)
	return root
}

// Execute runs the command line. Usage problems are returned as *ExitError
// with code 2.
func Execute(ctx context.Context, args []string, streams IO) error {
	root := NewRootCommand(streams)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.HasPrefix(err.Error(), "unknown flag") {
		return usageError(err)
	}
	return err
}

func argsError(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

// appConfig validates the persistent flags for commands that load a cluster.
func (f *flags) appConfig(paths []string) (*app.Config, error) {
	format, err := report.ParseFormat(f.report)
	if err != nil {
		return nil, usageError(err)
	}
	cfg, err := app.NewConfig(app.Config{
		ConfigPaths:     paths,
		LogFormat:       f.logFormat,
		LogLevel:        f.logLevel,
		HealthcheckPort: f.healthcheckPort,
		Report:          format,
	})
	if err != nil {
		return nil, usageError(err)
	}
	return cfg, nil
}

func configPaths(flagPaths, args []string) []string {
	return append(append([]string{}, flagPaths...), args...)
}

func newRunCommand(f *flags, streams IO) *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "run [-c PATH]... [PATH]...",
		Short: "Discover, provision, deploy and launch the configured cluster",
		Long: `run loads the cluster description from HCL files (a file or a directory of
.hcl files), then runs the four bootstrap phases and supervises the workers
until they all exit or the command is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.appConfig(configPaths(paths, args))
			if err != nil {
				return err
			}
			a, err := app.NewApp(streams.Out, streams.Err, cfg, hclconfig.NewLoader())
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "config", "c", nil, "Configuration file or directory. Repeatable.")
	return cmd
}

func newNodesCommand(f *flags, streams IO) *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "nodes [-c PATH]... [PATH]...",
		Short: "Print the node names a run would book",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.appConfig(configPaths(paths, args))
			if err != nil {
				return err
			}
			a, err := app.NewApp(streams.Out, streams.Err, cfg, hclconfig.NewLoader())
			if err != nil {
				return err
			}
			names, err := a.BookNodes(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names.Names() {
				fmt.Fprintln(streams.Out, n)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "config", "c", nil, "Configuration file or directory. Repeatable.")
	return cmd
}

func newVersionCommand(streams IO) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  argsError(cobra.NoArgs),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(streams.Out, "clusterboot %s\n", config.Version)
		},
	}
}
