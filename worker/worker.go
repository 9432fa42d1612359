// Package worker drains the queue of pending runs kept in the store.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/pipeline"
	"github.com/carbocation/mriflow/store"
	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

// Enqueue records a pending run of one interface for the pool to pick up.
func Enqueue(ctx context.Context, st *store.Store, reg *interfaces.Registry, node, iface string, scanID null.Int, in interfaces.Inputs) (store.Run, error) {
	if _, err := reg.Lookup(iface); err != nil {
		return store.Run{}, err
	}
	if node == "" {
		node = iface
	}

	return st.CreateRun(ctx, store.Run{
		Node:      node,
		Interface: iface,
		ScanID:    scanID,
		Inputs:    store.Document(in),
	})
}

// Pool runs Size workers that claim pending runs and execute them.
type Pool struct {
	Store    *store.Store
	Registry *interfaces.Registry

	Size int

	// Poll is how long an idle worker sleeps before looking for work again.
	Poll time.Duration

	// Drain bounds how long in-flight runs may continue after the pool is
	// asked to stop. Zero lets them finish.
	Drain time.Duration

	active    int64
	succeeded int64
	failed    int64
}

// Status is a snapshot of the pool's counters.
type Status struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

func (p *Pool) Status() Status {
	return Status{
		Size:      p.size(),
		Active:    atomic.LoadInt64(&p.active),
		Succeeded: atomic.LoadInt64(&p.succeeded),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

func (p *Pool) size() int {
	if p.Size < 1 {
		return 1
	}
	return p.Size
}

func (p *Pool) poll() time.Duration {
	if p.Poll <= 0 {
		return 5 * time.Second
	}
	return p.Poll
}

// Run returns runs orphaned by a previous crash to the queue, then works
// until ctx is cancelled. Cancellation stops claiming; runs already claimed
// keep going for up to Drain.
func (p *Pool) Run(ctx context.Context) error {
	n, err := p.Store.RequeueRunning(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("runs", n).Warnln("Requeued runs left running by a previous worker")
	}

	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		if p.Drain > 0 {
			time.AfterFunc(p.Drain, cancel)
		}
	})
	defer stop()

	var pool sync.WaitGroup
	for i := 0; i < p.size(); i++ {
		pool.Add(1)
		go func(id int) {
			defer pool.Done()
			p.loop(ctx, work, id)
		}(i)
	}
	pool.Wait()

	return nil
}

func (p *Pool) loop(ctx, work context.Context, id int) {
	logger := log.WithField("worker", id)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := p.Once(work)
		if err != nil {
			logger.WithError(err).Errorln("Queue error")
		}

		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(p.poll())
		}
	}
}

// Once claims and executes a single run. It reports whether a run was found.
func (p *Pool) Once(ctx context.Context) (bool, error) {
	run, err := p.Store.ClaimRun(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	logger := log.WithFields(log.Fields{"run": run.ID, "node": run.Node, "interface": run.Interface})
	logger.Infoln("Claimed")
	started := time.Now()

	iface, err := p.Registry.Lookup(run.Interface)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		logger.WithError(err).Errorln("Cannot execute")
		return true, p.Store.FailRun(ctx, run.ID, err)
	}

	if _, err := pipeline.Execute(ctx, p.Store, iface, run); err != nil {
		atomic.AddInt64(&p.failed, 1)
		logger.WithError(err).WithField("elapsed", time.Since(started)).Warnln("Failed")
		return true, nil
	}

	atomic.AddInt64(&p.succeeded, 1)
	logger.WithField("elapsed", time.Since(started)).Infoln("Succeeded")

	return true, nil
}
