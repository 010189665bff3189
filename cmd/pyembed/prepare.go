package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/frederic-klein/pyembed/internal/bytecode"
	"github.com/frederic-klein/pyembed/internal/embed"
)

func runPrepare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, err := loadDistribution(ctx, args)
	if err != nil {
		return err
	}

	p := embed.CreatePackagingPolicy(d)
	if err := settings.Packaging.Apply(p); err != nil {
		return fmt.Errorf("applying packaging settings: %w", err)
	}

	es := settings.Embed
	if name != "" {
		es.Name = name
	}
	if linkMode != "" {
		es.LinkMode = linkMode
	}
	if loadMode != "" {
		es.LoadMode = loadMode
	}
	opts, err := es.Options(d)
	if err != nil {
		return err
	}
	opts.Logger = logger

	builder, err := embed.NewBuilder(d, p, opts)
	if err != nil {
		return fmt.Errorf("creating builder: %w", err)
	}
	if err := builder.AddDistributionResources(); err != nil {
		return fmt.Errorf("collecting distribution resources: %w", err)
	}

	python := compilerPython
	if python == "" {
		python = d.PythonExe
	}
	compiler, err := bytecode.NewCompiler(ctx, python, logger)
	if err != nil {
		return fmt.Errorf("starting bytecode compiler: %w", err)
	}
	defer compiler.Close()

	ec, err := builder.EmbeddedContext(compiler)
	if err != nil {
		return fmt.Errorf("assembling embedding context: %w", err)
	}
	hits, misses := compiler.Stats()
	logger.Debug("bytecode compiled", zap.Int("cache_hits", hits), zap.Int("compiled", misses))

	written, err := embed.WriteArtifacts(destDir, ec)
	if err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(out, "Prepared %s ", ec.Name)
	fmt.Fprintf(out, "(Python %s, %s, %s link) in %s\n", ec.PythonVersion, ec.TargetTriple, builder.LinkMode(), destDir)
	fmt.Fprintf(out, "  %d resources, %d files written\n", ec.Resources, len(written))
	if unlicensed := ec.Licensing.Unlicensed(); len(unlicensed) > 0 {
		color.New(color.FgYellow).Fprintf(out, "  %d components without license information\n", len(unlicensed))
	}
	return nil
}
