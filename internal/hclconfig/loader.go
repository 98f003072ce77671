package hclconfig

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/clusterboot/internal/config"
	"github.com/vk/clusterboot/internal/ctxlog"
	"github.com/vk/clusterboot/internal/fsutil"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Loader is the HCL implementation of config.Loader.
type Loader struct {
	// Environ and Home feed the evaluation context.
	Environ func() []string
	Home    func() (string, error)
}

var _ config.Loader = (*Loader)(nil)

// NewLoader returns a Loader reading the real process environment.
func NewLoader() *Loader {
	return &Loader{Environ: os.Environ, Home: os.UserHomeDir}
}

// Load parses every HCL file under paths into a single Model layered on top
// of config.Default. The result is not validated.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := fsutil.CollectFiles(paths, ".hcl")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %s", strings.Join(paths, ", "))
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	evalCtx, err := l.evalContext()
	if err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	var merged fileRoot
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, evalCtx, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		merged.Cluster = append(merged.Cluster, root.Cluster...)
		merged.SSH = append(merged.SSH, root.SSH...)
		merged.Runtime = append(merged.Runtime, root.Runtime...)
		merged.Deploy = append(merged.Deploy, root.Deploy...)
		merged.Launch = append(merged.Launch, root.Launch...)
		merged.Lease = append(merged.Lease, root.Lease...)
		merged.Events = append(merged.Events, root.Events...)
	}

	model, err := translate(&merged)
	if err != nil {
		return nil, err
	}
	logger.Debug("HCL loading complete.", "nodes", len(model.Cluster.Nodes), "deployments", len(model.Deploy))
	return model, nil
}

func (l *Loader) evalContext() (*hcl.EvalContext, error) {
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	envVals := map[string]cty.Value{}
	for _, kv := range environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		envVals[k] = cty.StringVal(v)
	}

	homeFn := l.Home
	if homeFn == nil {
		homeFn = os.UserHomeDir
	}
	home, err := homeFn()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env":  cty.ObjectVal(envVals),
			"home": cty.StringVal(home),
		},
		Functions: map[string]function.Function{
			"upper":  stdlib.UpperFunc,
			"lower":  stdlib.LowerFunc,
			"join":   stdlib.JoinFunc,
			"format": stdlib.FormatFunc,
		},
	}, nil
}

func single[T any](kind string, blocks []*T) (*T, error) {
	switch len(blocks) {
	case 0:
		return nil, nil
	case 1:
		return blocks[0], nil
	default:
		return nil, fmt.Errorf("block %q is defined %d times, at most one is allowed", kind, len(blocks))
	}
}

func duration(field, s string, into *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	*into = d
	return nil
}

func setString(into *string, v string) {
	if v != "" {
		*into = v
	}
}

func setInt(into *int, v int) {
	if v != 0 {
		*into = v
	}
}
