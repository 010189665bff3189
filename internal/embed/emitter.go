package embed

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ContextFileName is the YAML description written next to the artifacts.
const ContextFileName = "embed-context.yaml"

type licenseDocument struct {
	Component string `yaml:"component"`
	License   string `yaml:"license"`
}

type contextDocument struct {
	Name                 string            `yaml:"name"`
	TargetTriple         string            `yaml:"target_triple"`
	PythonImplementation string            `yaml:"python_implementation"`
	PythonVersion        string            `yaml:"python_version"`
	BuildFlags           []string          `yaml:"build_flags,omitempty"`
	PackedResources      string            `yaml:"packed_resources,omitempty"`
	Resources            int               `yaml:"resources"`
	Config               InterpreterConfig `yaml:"config"`
	LinkSettings         LinkSettings      `yaml:"link_settings"`
	ExtraFiles           []string          `yaml:"extra_files"`
	Licenses             []licenseDocument `yaml:"licenses"`
	FileUsers            []string          `yaml:"file_users,omitempty"`
}

// Emitter writes the YAML description of an EmbeddedContext.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates a new context emitter.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes ctx as a YAML document. Every list is already sorted so the
// output is stable across runs.
func (e *Emitter) Emit(ctx *EmbeddedContext) error {
	doc := contextDocument{
		Name:                 ctx.Name,
		TargetTriple:         ctx.TargetTriple,
		PythonImplementation: ctx.PythonImplementation,
		PythonVersion:        ctx.PythonVersion,
		BuildFlags:           ctx.BuildFlags,
		PackedResources:      ctx.PackedResourcesFilename,
		Resources:            ctx.Resources,
		Config:               ctx.Config,
		LinkSettings:         ctx.LinkSettings,
		ExtraFiles:           []string{},
		Licenses:             []licenseDocument{},
		FileUsers:            ctx.FileUsers,
	}
	if ctx.ExtraFiles != nil {
		doc.ExtraFiles = ctx.ExtraFiles.Paths()
	}
	if ctx.Licensing != nil {
		for _, c := range ctx.Licensing.Components() {
			doc.Licenses = append(doc.Licenses, licenseDocument{Component: c.Flavor.String(), License: c.Summary()})
		}
	}

	enc := yaml.NewEncoder(e.w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding embed context: %w", err)
	}
	return enc.Close()
}

// WriteArtifacts writes the context description, the packed resources
// and every extra file into dir. It returns the written paths.
func WriteArtifacts(dir string, ctx *EmbeddedContext) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	contextPath := filepath.Join(dir, ContextFileName)
	out, err := os.Create(contextPath)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", ContextFileName, err)
	}
	defer out.Close()
	if err := NewEmitter(out).Emit(ctx); err != nil {
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ContextFileName, err)
	}
	written := []string{contextPath}

	if ctx.PackedResourcesFilename != "" {
		p := filepath.Join(dir, filepath.FromSlash(ctx.PackedResourcesFilename))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return written, fmt.Errorf("creating directory for packed resources: %w", err)
		}
		if err := os.WriteFile(p, ctx.PackedResources, 0644); err != nil {
			return written, fmt.Errorf("writing packed resources: %w", err)
		}
		written = append(written, p)
	}

	if ctx.ExtraFiles != nil {
		files, err := ctx.ExtraFiles.Materialize(dir)
		written = append(written, files...)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
