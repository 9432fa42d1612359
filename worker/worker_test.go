package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
	"gopkg.in/guregu/null.v3"
)

type echo struct {
	calls *int64
}

func (e echo) Run(ctx context.Context, in interfaces.Inputs) (interfaces.Outputs, error) {
	atomic.AddInt64(e.calls, 1)
	if in.Bool("fail") {
		return nil, errors.New("exit status 1")
	}

	return interfaces.Outputs{"echo": in.StringOr("value", "")}, nil
}

func testPool(t *testing.T) (*Pool, *int64) {
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
	reg.Register("echo", func(interfaces.Env) interfaces.Interface { return echo{calls: calls} })

	return &Pool{Store: s, Registry: reg, Size: 2, Poll: 10 * time.Millisecond}, calls
}

func TestEnqueue(t *testing.T) {
	p, _ := testPool(t)
	ctx := context.Background()

	if _, err := Enqueue(ctx, p.Store, p.Registry, "", "nope", null.Int{}, nil); err == nil {
		t.Errorf("unknown interfaces should be rejected")
	}

	run, err := Enqueue(ctx, p.Store, p.Registry, "", "echo", null.Int{}, interfaces.Inputs{"value": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunPending || run.Node != "echo" {
		t.Errorf("unexpected run %+v", run)
	}
}

func TestOnce(t *testing.T) {
	p, calls := testPool(t)
	ctx := context.Background()

	found, err := p.Once(ctx)
	if err != nil || found {
		t.Fatalf("empty queue: found=%v err=%v", found, err)
	}

	ok, err := Enqueue(ctx, p.Store, p.Registry, "greet", "echo", null.Int{}, interfaces.Inputs{"value": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	bad, err := Enqueue(ctx, p.Store, p.Registry, "greet", "echo", null.Int{}, interfaces.Inputs{"fail": true})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if found, err := p.Once(ctx); err != nil || !found {
			t.Fatalf("pass %d: found=%v err=%v", i, found, err)
		}
	}
	if *calls != 2 {
		t.Errorf("expected 2 executions, got %d", *calls)
	}

	run, err := p.Store.RunByID(ctx, ok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunSucceeded || run.Outputs["echo"] != "hi" {
		t.Errorf("succeeded run: %+v", run)
	}

	run, err = p.Store.RunByID(ctx, bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunFailed || run.Error == "" {
		t.Errorf("failed run: %+v", run)
	}

	if st := p.Status(); st.Succeeded != 1 || st.Failed != 1 || st.Active != 0 {
		t.Errorf("status: %+v", st)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	p, calls := testPool(t)
	ctx := context.Background()

	// A run left behind by a crashed worker
	orphan, err := Enqueue(ctx, p.Store, p.Registry, "", "echo", null.Int{}, interfaces.Inputs{"value": "orphan"})
	if err != nil {
		t.Fatal(err)
	}
	if claimed, err := p.Store.ClaimRun(ctx); err != nil || claimed.ID != orphan.ID {
		t.Fatalf("claim: %+v %v", claimed, err)
	}

	for i := 0; i < 5; i++ {
		if _, err := Enqueue(ctx, p.Store, p.Registry, "", "echo", null.Int{}, interfaces.Inputs{"value": "x"}); err != nil {
			t.Fatal(err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error)
	go func() { done <- p.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := p.Store.RunCounts(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if counts[store.RunSucceeded] == 6 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if *calls != 6 {
		t.Errorf("expected 6 executions, got %d", *calls)
	}

	run, err := p.Store.RunByID(ctx, orphan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunSucceeded {
		t.Errorf("orphaned run was not requeued: %+v", run)
	}
}
