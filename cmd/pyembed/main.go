package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/frederic-klein/pyembed/internal/config"
	"github.com/frederic-klein/pyembed/internal/logging"
)

var (
	configPath string
	verbose    bool

	destDir        string
	name           string
	linkMode       string
	loadMode       string
	compilerPython string

	pythonVersion string
	targetTriple  string

	settings *config.Settings
	logger   = zap.NewNop()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pyembed",
		Short: "Prepare Python distributions for embedding",
		Long: "pyembed reads a prebuilt Python distribution, decides where each resource lives at run time " +
			"and writes the link settings, packed resources and extra files a linker stage needs.",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./pyembed.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&pythonVersion, "python-version", "", "Python version to fetch from the index")
	rootCmd.PersistentFlags().StringVar(&targetTriple, "target", "", "Target triple (default host)")

	prepareCmd := &cobra.Command{
		Use:   "prepare [distribution dir or archive]",
		Short: "Assemble the embedding context for a distribution",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPrepare,
	}
	prepareCmd.Flags().StringVarP(&destDir, "dest", "d", "./build/pyembed", "Output directory")
	prepareCmd.Flags().StringVarP(&name, "name", "n", "", "Name of the binary being built")
	prepareCmd.Flags().StringVar(&linkMode, "link-mode", "", "Override libpython link mode (static or dynamic)")
	prepareCmd.Flags().StringVar(&loadMode, "load-mode", "", "Packed resources load mode: none, embedded:<file> or binary-relative-memory-mapped:<path>")
	prepareCmd.Flags().StringVar(&compilerPython, "compiler-python", "", "Interpreter used to compile bytecode (default the distribution's)")

	inspectCmd := &cobra.Command{
		Use:   "inspect [distribution dir or archive]",
		Short: "Summarize a distribution and its default packaging policy",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInspect,
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download and extract a distribution from the index",
		Args:  cobra.NoArgs,
		RunE:  runFetch,
	}

	rootCmd.AddCommand(prepareCmd, inspectCmd, fetchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	s, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("verbose") {
		s.Verbose = verbose
	}
	if pythonVersion != "" {
		s.Python.Version = pythonVersion
	}
	if targetTriple != "" {
		s.Python.TargetTriple = targetTriple
	}

	settings = s
	logger = logging.New(s.Verbose)
	return nil
}
