package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/guregu/null.v3"
)

// Result is what one node produced.
type Result struct {
	RunID   int64
	Outputs interfaces.Outputs

	// Reused is set when a previous run with identical inputs was found.
	Reused bool
}

// Runner executes pipelines synchronously. Nodes within a level run
// concurrently; the first failure cancels the rest.
type Runner struct {
	Store    *store.Store
	Registry *interfaces.Registry

	// ScanID, if valid, is attached to every run row.
	ScanID null.Int

	// Force executes every node even when a matching run already succeeded.
	Force bool
}

// Run executes p. inputs holds per-node run inputs, keyed by node key; they
// override the node's configured defaults and are themselves overridden by
// piped values.
func (r *Runner) Run(ctx context.Context, p Pipeline, inputs map[string]interfaces.Inputs) (map[string]Result, error) {
	levels, err := p.Levels()
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, n := range p.Nodes {
		if _, err := r.Registry.Lookup(n.Interface); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Key, err)
		}
	}
	for key := range inputs {
		if _, ok := p.node(key); !ok {
			return nil, fmt.Errorf("inputs given for unknown node %q", key)
		}
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(p.Nodes))

	for depth, level := range levels {
		g, gctx := errgroup.WithContext(ctx)

		for _, n := range level {
			n := n

			mu.Lock()
			in, err := p.inputsFor(n, inputs[n.Key], results)
			mu.Unlock()
			if err != nil {
				return results, err
			}

			g.Go(func() error {
				res, err := r.runNode(gctx, n, in)
				if err != nil {
					return err
				}

				mu.Lock()
				results[n.Key] = res
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			log.WithFields(log.Fields{"pipeline": p.Title, "level": depth}).WithError(err).Errorln("Pipeline stopped")
			return results, err
		}
	}

	return results, nil
}

// inputsFor layers node configuration, run inputs and piped outputs.
func (p Pipeline) inputsFor(n Node, given interfaces.Inputs, results map[string]Result) (interfaces.Inputs, error) {
	in := make(interfaces.Inputs, len(n.Config)+len(given))
	for k, v := range n.Config {
		in[k] = v
	}
	for k, v := range given {
		in[k] = v
	}

	for _, pipe := range p.Pipes {
		if pipe.Dest != n.Key {
			continue
		}
		src, ok := results[pipe.Source]
		if !ok {
			return nil, fmt.Errorf("node %q has not run before %q", pipe.Source, n.Key)
		}
		v, ok := src.Outputs[pipe.SourcePort]
		if !ok {
			return nil, fmt.Errorf("node %q has no output %q for %s.%s", pipe.Source, pipe.SourcePort, n.Key, pipe.DestPort)
		}
		in[pipe.DestPort] = v
	}

	return in, nil
}

func (r *Runner) runNode(ctx context.Context, n Node, in interfaces.Inputs) (Result, error) {
	logger := log.WithFields(log.Fields{"node": n.Key, "interface": n.Interface})

	if !r.Force {
		prior, err := r.Store.FindSucceededRun(ctx, n.Key, store.Document(in))
		if err == nil {
			logger.WithField("run", prior.ID).Infoln("Reusing previous run")
			return Result{RunID: prior.ID, Outputs: interfaces.Outputs(prior.Outputs), Reused: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
	}

	iface, err := r.Registry.Lookup(n.Interface)
	if err != nil {
		return Result{}, err
	}

	run, err := r.Store.CreateRun(ctx, store.Run{
		Node:      n.Key,
		Interface: n.Interface,
		ScanID:    r.ScanID,
		Inputs:    store.Document(in),
		Status:    store.RunRunning,
	})
	if err != nil {
		return Result{}, err
	}

	logger = logger.WithField("run", run.ID)
	logger.Infoln("Starting")

	out, err := Execute(ctx, r.Store, iface, run)
	if err != nil {
		logger.WithError(err).Warnln("Failed")
		return Result{RunID: run.ID}, err
	}
	logger.Infoln("Finished")

	return Result{RunID: run.ID, Outputs: out}, nil
}
