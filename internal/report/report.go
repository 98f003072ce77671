// Package report renders the summary of a run: the NAS groups found, the
// runtime chosen for each node, the deployments and the worker states.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vk/clusterboot/internal/cluster"
	"github.com/vk/clusterboot/internal/deploy"
	"github.com/vk/clusterboot/internal/provision"
	"github.com/vk/clusterboot/internal/statusstore"
	"gopkg.in/yaml.v3"
)

// Format selects the encoding of a report.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatNone Format = "none"
)

// ParseFormat accepts yaml, json or none, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatYAML, FormatJSON, FormatNone:
		return f, nil
	case "":
		return FormatNone, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want yaml, json or none)", s)
	}
}

// Phase is the timing of one orchestration phase.
type Phase struct {
	Name     string `json:"name" yaml:"name"`
	Duration string `json:"duration" yaml:"duration"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewPhase records a phase that took d and ended with err.
func NewPhase(name string, d time.Duration, err error) Phase {
	p := Phase{Name: name, Duration: d.Round(time.Millisecond).String()}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// Report is the run summary.
type Report struct {
	Application string                          `json:"application" yaml:"application"`
	Groups      [][]string                      `json:"groups" yaml:"groups"`
	Runtimes    map[string]provision.Descriptor `json:"runtimes" yaml:"runtimes"`
	Deployments []deploy.Record                 `json:"deployments,omitempty" yaml:"deployments,omitempty"`
	Workers     []statusstore.Entry             `json:"workers" yaml:"workers"`
	Phases      []Phase                         `json:"phases" yaml:"phases"`
}

// Build collects the report from the run's components. Any of them may be nil.
func Build(ctx context.Context, app string, c *cluster.Cluster, runtimes *provision.Assignments, records []deploy.Record, status *statusstore.Store, phases []Phase) Report {
	r := Report{
		Application: app,
		Groups:      [][]string{},
		Runtimes:    map[string]provision.Descriptor{},
		Deployments: records,
		Workers:     []statusstore.Entry{},
		Phases:      phases,
	}
	if c != nil {
		for _, g := range c.Groups() {
			r.Groups = append(r.Groups, g.Names())
		}
	}
	if runtimes != nil {
		r.Runtimes = runtimes.ByName()
	}
	if status != nil {
		r.Workers = status.Snapshot(ctx)
	}
	return r
}

// Write encodes r to w.
func Write(w io.Writer, f Format, r Report) error {
	switch f {
	case FormatNone:
		return nil
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}
