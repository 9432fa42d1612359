package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/mriflow/worker"
	"gopkg.in/guregu/null.v3"
)

func testGlobal(t *testing.T) *Global {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	registry := interfaces.NewRegistry(interfaces.Env{})
	return &Global{
		Store:   st,
		Pool:    &worker.Pool{Store: st, Registry: registry, Size: 2},
		Started: time.Now(),
	}
}

func TestRouter(t *testing.T) {
	global := testGlobal(t)
	if _, err := worker.Enqueue(context.Background(), global.Store, global.Pool.Registry, "", "fsl_anat", null.Int{}, interfaces.Inputs{"t1": "/data/t1.nii.gz"}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(router(global))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz: %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type %q", ct)
	}
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Pool.Size != 2 || status.Queue[store.RunPending] != 1 {
		t.Errorf("status: %+v", status)
	}
}
