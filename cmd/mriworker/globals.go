package main

import (
	"time"

	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/mriflow/worker"
)

type Global struct {
	Store   *store.Store
	Pool    *worker.Pool
	Started time.Time
}
