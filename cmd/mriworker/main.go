// mriworker drains the queue of pending runs in the mriflow database with a
// pool of workers, and serves /healthz, /status and /goroutines for
// operators. SIGUSR1 logs the pool status; SIGINT or SIGTERM stops claiming
// new runs and lets claimed runs finish for up to -drain.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/mriflow/worker"
	log "github.com/sirupsen/logrus"
)

func main() {
	var configPath string
	var workers, port int
	var drain time.Duration
	var version bool
	flag.StringVar(&configPath, "config", "", "Path to the mriflow YAML config. If empty, mriflow.yaml in the working directory or beside the binary is used when present.")
	flag.IntVar(&workers, "workers", 0, "Number of concurrent runs. If 0, the config value is used.")
	flag.IntVar(&port, "port", 0, "Port for the status HTTP server. If 0, the config value is used. Negative disables the server.")
	flag.DurationVar(&drain, "drain", 0, "How long claimed runs may continue after a shutdown signal. 0 waits for them to finish.")
	flag.BoolVar(&version, "version", false, "Print the build information and exit.")
	flag.Parse()

	if version {
		fmt.Println(compileinfo.Get())
		return
	}

	cfg, err := mriflow.LoadConfig(configPath)
	if err != nil {
		log.Fatalln(err)
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if port != 0 {
		cfg.Port = port
	}

	st, err := store.Open(context.Background(), cfg.Database)
	if err != nil {
		log.Fatalln(err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		log.Fatalln(err)
	}

	global := &Global{
		Store: st,
		Pool: &worker.Pool{
			Store:    st,
			Registry: interfaces.NewRegistry(interfaces.EnvFromConfig(cfg)),
			Size:     cfg.Workers,
			Poll:     cfg.PollInterval,
			Drain:    drain,
		},
		Started: time.Now(),
	}

	if err := serve(global, cfg.Port); err != nil {
		log.Fatalln(err)
	}
}

func serve(global *Global, port int) error {
	errs := make(chan error, 2)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig,
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGUSR1,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		log.WithFields(log.Fields{"workers": global.Pool.Size, "poll": global.Pool.Poll}).Infoln("Starting worker pool")
		errs <- global.Pool.Run(ctx)
	}()

	var server *http.Server
	if port > 0 {
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router(global),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Println("Starting HTTP server on port", port)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	var exitErr error
Outer:
	for {
		select {
		case sigl := <-sig:
			if sigl == syscall.SIGUSR1 {
				SigStatus(global)
				continue
			}

			log.Printf("Exit: %s\n", sigl.String())
			break Outer

		case err := <-errs:
			if err != nil {
				log.WithError(err).Errorln("Exiting due to error")
				exitErr = err
			}
			break Outer
		}
	}

	cancel()
	if server != nil {
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		server.Shutdown(shutdown)
	}
	<-poolDone
	log.WithFields(structToFields(global.Pool.Status())).Infoln("Finished")

	return exitErr
}

func SigStatus(global *Global) {
	status := global.Pool.Status()
	log.WithFields(structToFields(status)).Println("Worker pool status")
}

func structToFields(s worker.Status) log.Fields {
	return log.Fields{
		"size":      s.Size,
		"active":    s.Active,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
	}
}
