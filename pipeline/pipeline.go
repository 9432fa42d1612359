// Package pipeline describes analyses as a graph of interface nodes joined
// by pipes, and runs them level by level.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
	"gopkg.in/yaml.v3"
)

// ErrCycle is returned for pipelines whose pipes form a loop.
var ErrCycle = errors.New("pipeline has a cycle")

// Node is one interface invocation. Config holds default inputs that run
// inputs and pipes override.
type Node struct {
	Key       string                 `yaml:"key"`
	Interface string                 `yaml:"interface"`
	Config    map[string]interface{} `yaml:"config"`
}

// Pipe feeds an output of one node into an input of another.
type Pipe struct {
	Source     string `yaml:"source"`
	SourcePort string `yaml:"source_port"`
	Dest       string `yaml:"dest"`
	DestPort   string `yaml:"dest_port"`
}

type Pipeline struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Nodes       []Node `yaml:"nodes"`
	Pipes       []Pipe `yaml:"pipes"`
}

// Load reads a pipeline definition from YAML and validates it.
func Load(path string) (Pipeline, error) {
	var out Pipeline

	expanded, err := mriflow.ExpandHome(path)
	if err != nil {
		return out, err
	}
	f, err := os.Open(expanded)
	if err != nil {
		return out, pfx.Err(err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%s: %w", expanded, err)
	}

	return out, out.Validate()
}

func (p Pipeline) node(key string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.Key == key {
			return n, true
		}
	}
	return Node{}, false
}

// Validate checks node keys, pipe endpoints and acyclicity.
func (p Pipeline) Validate() error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("pipeline %q has no nodes", p.Title)
	}

	seen := make(map[string]struct{}, len(p.Nodes))
	for _, n := range p.Nodes {
		if n.Key == "" || n.Interface == "" {
			return fmt.Errorf("node %q needs a key and an interface", n.Key)
		}
		if _, dup := seen[n.Key]; dup {
			return fmt.Errorf("duplicate node key %q", n.Key)
		}
		seen[n.Key] = struct{}{}
	}

	for _, pipe := range p.Pipes {
		if _, ok := seen[pipe.Source]; !ok {
			return fmt.Errorf("pipe from unknown node %q", pipe.Source)
		}
		if _, ok := seen[pipe.Dest]; !ok {
			return fmt.Errorf("pipe to unknown node %q", pipe.Dest)
		}
		if pipe.SourcePort == "" || pipe.DestPort == "" {
			return fmt.Errorf("pipe %s -> %s needs both ports", pipe.Source, pipe.Dest)
		}
	}

	_, err := p.Levels()
	return err
}

// Levels orders the nodes breadth first: every node sits one level below the
// deepest node it receives a pipe from. Nodes within a level are sorted by
// key.
func (p Pipeline) Levels() ([][]Node, error) {
	indegree := make(map[string]int, len(p.Nodes))
	downstream := make(map[string][]string)
	for _, n := range p.Nodes {
		indegree[n.Key] += 0
	}
	for _, pipe := range p.Pipes {
		indegree[pipe.Dest]++
		downstream[pipe.Source] = append(downstream[pipe.Source], pipe.Dest)
	}

	var current []string
	for key, d := range indegree {
		if d == 0 {
			current = append(current, key)
		}
	}

	var out [][]Node
	placed := 0
	for len(current) > 0 {
		sort.Strings(current)

		level := make([]Node, 0, len(current))
		var next []string
		for _, key := range current {
			n, _ := p.node(key)
			level = append(level, n)
			placed++

			for _, d := range downstream[key] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}

		out = append(out, level)
		current = next
	}

	if placed != len(indegree) {
		var stuck []string
		for key, d := range indegree {
			if d > 0 {
				stuck = append(stuck, key)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w through %v", ErrCycle, stuck)
	}

	return out, nil
}
