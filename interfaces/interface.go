// Package interfaces wraps the external neuroimaging tools (FSL, MRtrix3,
// FreeSurfer, SPM/CAT12 and containerized BIDS apps) behind one contract:
// a map of inputs in, a map of outputs out.
package interfaces

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/niftiio"
)

// Inputs and Outputs are JSON-compatible so that runs can be stored and
// piped between pipeline nodes.
type Inputs map[string]interface{}
type Outputs map[string]interface{}

// ScoresKey holds []store.Measurement in Outputs of interfaces that produce
// scores. The worker moves them into the score table.
const ScoresKey = "scores"

// Interface is one runnable analysis.
type Interface interface {
	Run(ctx context.Context, in Inputs) (Outputs, error)
}

// Env carries what the wrappers need to locate tools and place results.
type Env struct {
	Runner Runner

	BIDSRoot        string
	DerivativesRoot string
	LogRoot         string

	Docker            string
	Matlab            string
	SPMPath           string
	FreeSurferLicense string

	Threads int
}

// EnvFromConfig builds an Env that executes real commands.
func EnvFromConfig(cfg mriflow.Config) Env {
	return Env{
		Runner:            ExecRunner{},
		BIDSRoot:          cfg.BIDSRoot,
		DerivativesRoot:   cfg.DerivativesRoot,
		LogRoot:           cfg.LogRoot,
		Docker:            cfg.Docker,
		Matlab:            cfg.Matlab,
		SPMPath:           cfg.SPMPath,
		FreeSurferLicense: cfg.FreeSurferLicense,
		Threads:           1,
	}
}

func (e Env) runner() Runner {
	if e.Runner == nil {
		return ExecRunner{}
	}
	return e.Runner
}

func (e Env) logDir(tool, name string) string {
	if e.LogRoot == "" {
		return ""
	}
	return filepath.Join(e.LogRoot, tool, name)
}

// stem names outputs after their input image.
func stem(path string) string {
	return filepath.Base(niftiio.TrimExt(path))
}

// String returns a required string input.
func (in Inputs) String(key string) (string, error) {
	v, ok := in[key]
	if !ok {
		return "", fmt.Errorf("missing input %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("input %q: expected a non-empty string, got %T", key, v)
	}

	return s, nil
}

// StringOr returns an optional string input.
func (in Inputs) StringOr(key, fallback string) string {
	if s, ok := in[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// Strings accepts a string or a list of strings.
func (in Inputs) Strings(key string) ([]string, error) {
	switch v := in[key].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("input %q: expected strings, found %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("input %q: expected a list of strings, got %T", key, v)
	}
}

// IntOr returns an optional integer input. Numbers decoded from JSON arrive
// as float64.
func (in Inputs) IntOr(key string, fallback int) (int, error) {
	switch v := in[key].(type) {
	case nil:
		return fallback, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("input %q: %v is not an integer", key, v)
		}
		return int(v), nil
	case json.Number:
		i, err := v.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("input %q: expected an integer, got %T", key, v)
	}
}

// Bool returns an optional boolean input, false when absent.
func (in Inputs) Bool(key string) bool {
	switch v := in[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Factory builds an interface for an environment.
type Factory func(env Env) Interface

// Registry maps interface keys to factories.
type Registry struct {
	env       Env
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in interface registered.
func NewRegistry(env Env) *Registry {
	r := &Registry{env: env, factories: make(map[string]Factory)}

	r.Register("fsl_anat", func(env Env) Interface { return &FslAnat{Env: env} })
	r.Register("dwifslpreproc", func(env Env) Interface { return &DwiFslPreproc{Env: env} })
	r.Register("mrcat", func(env Env) Interface { return &MRCat{Env: env} })
	r.Register("recon_all", func(env Env) Interface { return &ReconAll{Env: env} })
	r.Register("cat12", func(env Env) Interface { return &Cat12{Env: env} })
	for _, app := range DefaultBIDSApps {
		app := app
		r.Register(app.Name, func(env Env) Interface {
			out := app
			out.Env = env
			return &out
		})
	}

	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(key string, f Factory) {
	r.factories[key] = f
}

// Lookup builds the interface registered under key.
func (r *Registry) Lookup(key string) (Interface, error) {
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("unknown interface %q", key)
	}

	return f(r.env), nil
}

func (r *Registry) Keys() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}
