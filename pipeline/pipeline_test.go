package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
)

// suffixer appends its "suffix" input to its "in" input.
type suffixer struct {
	calls *int64
}

func (s suffixer) Run(ctx context.Context, in interfaces.Inputs) (interfaces.Outputs, error) {
	atomic.AddInt64(s.calls, 1)

	v, err := in.String("in")
	if err != nil {
		return nil, err
	}

	return interfaces.Outputs{"out": v + in.StringOr("suffix", "")}, nil
}

type failing struct{}

func (failing) Run(ctx context.Context, in interfaces.Inputs) (interfaces.Outputs, error) {
	return nil, errors.New("tool crashed")
}

type scorer struct{}

func (scorer) Run(ctx context.Context, in interfaces.Inputs) (interfaces.Outputs, error) {
	return interfaces.Outputs{
		"directory": "/tmp/scored",
		interfaces.ScoresKey: []store.Measurement{
			{Atlas: "aseg", Region: "Left-Hippocampus", Hemisphere: "left", Metric: "Volume_mm3", Value: 4012},
		},
	}, nil
}

func testRunner(t *testing.T) (*Runner, *int64) {
	t.Helper()

	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	calls := new(int64)
	reg := interfaces.NewRegistry(interfaces.Env{})
	reg.Register("suffix", func(interfaces.Env) interfaces.Interface { return suffixer{calls: calls} })
	reg.Register("fail", func(interfaces.Env) interfaces.Interface { return failing{} })
	reg.Register("score", func(interfaces.Env) interfaces.Interface { return scorer{} })

	return &Runner{Store: s, Registry: reg}, calls
}

// diamond fans a out to b and c and joins them in d.
func diamond() Pipeline {
	return Pipeline{
		Title: "diamond",
		Nodes: []Node{
			{Key: "d", Interface: "suffix", Config: map[string]interface{}{"suffix": "-d"}},
			{Key: "b", Interface: "suffix", Config: map[string]interface{}{"suffix": "-b"}},
			{Key: "a", Interface: "suffix", Config: map[string]interface{}{"suffix": "-a"}},
			{Key: "c", Interface: "suffix", Config: map[string]interface{}{"suffix": "-c"}},
		},
		Pipes: []Pipe{
			{Source: "a", SourcePort: "out", Dest: "b", DestPort: "in"},
			{Source: "a", SourcePort: "out", Dest: "c", DestPort: "in"},
			{Source: "b", SourcePort: "out", Dest: "d", DestPort: "in"},
			{Source: "c", SourcePort: "out", Dest: "d", DestPort: "suffix"},
		},
	}
}

func TestLevels(t *testing.T) {
	levels, err := diamond().Levels()
	if err != nil {
		t.Fatal(err)
	}

	var got [][]string
	for _, level := range levels {
		var keys []string
		for _, n := range level {
			keys = append(keys, n.Key)
		}
		got = append(got, keys)
	}

	want := "[[a] [b c] [d]]"
	if fmt.Sprint(got) != want {
		t.Errorf("got %v, want %s", got, want)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		p     Pipeline
		cycle bool
	}{
		{"empty", Pipeline{}, false},
		{"missing interface", Pipeline{Nodes: []Node{{Key: "a"}}}, false},
		{"duplicate key", Pipeline{Nodes: []Node{{Key: "a", Interface: "x"}, {Key: "a", Interface: "y"}}}, false},
		{"unknown source", Pipeline{
			Nodes: []Node{{Key: "a", Interface: "x"}},
			Pipes: []Pipe{{Source: "z", SourcePort: "out", Dest: "a", DestPort: "in"}},
		}, false},
		{"missing port", Pipeline{
			Nodes: []Node{{Key: "a", Interface: "x"}, {Key: "b", Interface: "x"}},
			Pipes: []Pipe{{Source: "a", Dest: "b", DestPort: "in"}},
		}, false},
		{"self loop", Pipeline{
			Nodes: []Node{{Key: "a", Interface: "x"}},
			Pipes: []Pipe{{Source: "a", SourcePort: "out", Dest: "a", DestPort: "in"}},
		}, true},
		{"loop", Pipeline{
			Nodes: []Node{{Key: "a", Interface: "x"}, {Key: "b", Interface: "x"}, {Key: "c", Interface: "x"}},
			Pipes: []Pipe{
				{Source: "a", SourcePort: "out", Dest: "b", DestPort: "in"},
				{Source: "b", SourcePort: "out", Dest: "c", DestPort: "in"},
				{Source: "c", SourcePort: "out", Dest: "b", DestPort: "other"},
			},
		}, true},
	}

	for _, c := range cases {
		err := c.p.Validate()
		if err == nil {
			t.Errorf("%s: expected an error", c.name)
			continue
		}
		if errors.Is(err, ErrCycle) != c.cycle {
			t.Errorf("%s: cycle=%v, got %v", c.name, c.cycle, err)
		}
	}

	if err := diamond().Validate(); err != nil {
		t.Errorf("diamond: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	doc := `title: anatomy
nodes:
  - key: t1
    interface: fsl_anat
    config:
      type: T1
  - key: join
    interface: mrcat
pipes:
  - source: t1
    source_port: brain
    dest: join
    dest_port: images
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Title != "anatomy" || len(p.Nodes) != 2 || p.Nodes[0].Config["type"] != "T1" || p.Pipes[0].DestPort != "images" {
		t.Errorf("unexpected pipeline %+v", p)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("title: x\nstages: []\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Errorf("unknown fields should be rejected")
	}
}

func TestRunPipesOutputs(t *testing.T) {
	r, calls := testRunner(t)
	ctx := context.Background()

	results, err := r.Run(ctx, diamond(), map[string]interfaces.Inputs{"a": {"in": "x"}})
	if err != nil {
		t.Fatal(err)
	}

	if got := results["d"].Outputs["out"]; got != "x-a-bx-a-c" {
		t.Errorf("d produced %v", got)
	}
	if *calls != 4 {
		t.Errorf("expected 4 executions, got %d", *calls)
	}

	run, err := r.Store.RunByID(ctx, results["b"].RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunSucceeded || run.Inputs["in"] != "x-a" || run.Inputs["suffix"] != "-b" {
		t.Errorf("unexpected run row %+v", run)
	}

	// Identical inputs reuse every node
	again, err := r.Run(ctx, diamond(), map[string]interfaces.Inputs{"a": {"in": "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if *calls != 4 || !again["d"].Reused || again["d"].Outputs["out"] != "x-a-bx-a-c" {
		t.Errorf("expected reuse, calls=%d result=%+v", *calls, again["d"])
	}

	// Changing an input upstream reruns everything downstream of it
	if _, err := r.Run(ctx, diamond(), map[string]interfaces.Inputs{"a": {"in": "y"}}); err != nil {
		t.Fatal(err)
	}
	if *calls != 8 {
		t.Errorf("expected 8 executions, got %d", *calls)
	}

	r.Force = true
	if _, err := r.Run(ctx, diamond(), map[string]interfaces.Inputs{"a": {"in": "y"}}); err != nil {
		t.Fatal(err)
	}
	if *calls != 12 {
		t.Errorf("force should rerun, got %d executions", *calls)
	}
}

func TestRunFailure(t *testing.T) {
	r, calls := testRunner(t)
	ctx := context.Background()

	p := Pipeline{
		Title: "broken",
		Nodes: []Node{
			{Key: "crash", Interface: "fail"},
			{Key: "after", Interface: "suffix"},
		},
		Pipes: []Pipe{{Source: "crash", SourcePort: "out", Dest: "after", DestPort: "in"}},
	}

	results, err := r.Run(ctx, p, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if *calls != 0 {
		t.Errorf("downstream node ran after a failure")
	}
	if _, ok := results["crash"]; ok {
		t.Errorf("failed nodes are not part of the results")
	}

	failed, err := r.Store.RunsByStatus(ctx, store.RunFailed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Node != "crash" || failed[0].Error == "" {
		t.Errorf("failed runs: %+v", failed)
	}
}

func TestRunRejectsUnknownInterfaces(t *testing.T) {
	r, _ := testRunner(t)

	p := Pipeline{Nodes: []Node{{Key: "a", Interface: "nope"}}}
	if _, err := r.Run(context.Background(), p, nil); err == nil {
		t.Errorf("expected an unknown interface error")
	}

	p = Pipeline{Nodes: []Node{{Key: "a", Interface: "suffix"}}}
	if _, err := r.Run(context.Background(), p, map[string]interfaces.Inputs{"b": {}}); err == nil {
		t.Errorf("expected an unknown node error")
	}
}

func TestRunSavesScores(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	p := Pipeline{Nodes: []Node{{Key: "segment", Interface: "score"}}}
	results, err := r.Run(ctx, p, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := results["segment"]
	if _, ok := res.Outputs[interfaces.ScoresKey]; ok {
		t.Errorf("scores should not be passed on as outputs")
	}
	if res.Outputs["directory"] != "/tmp/scored" {
		t.Errorf("outputs: %v", res.Outputs)
	}

	scores, err := r.Store.ScoresForRun(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 1 || scores[0].Value != 4012 {
		t.Errorf("scores: %+v", scores)
	}

	run, err := r.Store.RunByID(ctx, res.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := run.Outputs[interfaces.ScoresKey]; ok {
		t.Errorf("scores stored in run outputs")
	}
}
