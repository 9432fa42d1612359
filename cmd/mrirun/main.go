// mrirun runs one analysis interface, or a whole pipeline of them, against
// the mriflow database. Runs with inputs identical to an earlier successful
// run are reused unless -force is given. With -enqueue a single interface is
// queued for mriworker instead of being run in place.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/interfaces"
	"github.com/carbocation/mriflow/pipeline"
	"github.com/carbocation/mriflow/store"
	"github.com/carbocation/mriflow/worker"
	log "github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

// settings collects repeated -set flags.
type settings []string

func (s *settings) String() string { return strings.Join(*s, ",") }

func (s *settings) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var configPath, pipelinePath, ifaceKey, inputsPath string
	var scanID int64
	var enqueue, force, list, version bool
	var sets settings
	flag.StringVar(&configPath, "config", "", "Path to the mriflow YAML config. If empty, mriflow.yaml in the working directory or beside the binary is used when present.")
	flag.StringVar(&pipelinePath, "pipeline", "", "YAML pipeline to run.")
	flag.StringVar(&ifaceKey, "interface", "", "Single interface to run, e.g. fsl_anat or recon_all.")
	flag.StringVar(&inputsPath, "inputs", "", "(Optional) JSON file of inputs. For -interface, an object of inputs. For -pipeline, an object of per-node input objects.")
	flag.Var(&sets, "set", "(Repeatable) key=value input. For -pipeline, node.key=value. Values are read as JSON when they parse, as strings otherwise.")
	flag.Int64Var(&scanID, "scan", 0, "(Optional) Scan ID to attach to the runs.")
	flag.BoolVar(&enqueue, "enqueue", false, "Queue the -interface run for mriworker instead of running it here.")
	flag.BoolVar(&force, "force", false, "Run even if an identical run already succeeded.")
	flag.BoolVar(&list, "list", false, "List the available interfaces and exit.")
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
	registry := interfaces.NewRegistry(interfaces.EnvFromConfig(cfg))

	if list {
		for _, key := range registry.Keys() {
			fmt.Println(key)
		}
		return
	}

	if (pipelinePath == "") == (ifaceKey == "") {
		fmt.Fprintln(os.Stderr, "Pass exactly one of -pipeline or -interface")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if enqueue && ifaceKey == "" {
		log.Fatalln("-enqueue only applies to -interface")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalln(err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalln(err)
	}

	scan := null.NewInt(scanID, scanID != 0)

	var out interface{}
	if ifaceKey != "" {
		out, err = runInterface(ctx, st, registry, ifaceKey, scan, inputsPath, sets, enqueue, force)
	} else {
		out, err = runPipeline(ctx, st, registry, pipelinePath, scan, inputsPath, sets, force)
	}
	if err != nil {
		log.Fatalln(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalln(err)
	}
}

func runInterface(ctx context.Context, st *store.Store, registry *interfaces.Registry, key string, scan null.Int, inputsPath string, sets settings, enqueue, force bool) (interface{}, error) {
	in := interfaces.Inputs{}
	if inputsPath != "" {
		if err := readJSON(inputsPath, &in); err != nil {
			return nil, err
		}
	}
	for _, s := range sets {
		k, v, err := parseSetting(s)
		if err != nil {
			return nil, err
		}
		in[k] = v
	}

	if enqueue {
		return worker.Enqueue(ctx, st, registry, key, key, scan, in)
	}

	// A one-node pipeline gets the same reuse and bookkeeping as any other
	p := pipeline.Pipeline{Title: key, Nodes: []pipeline.Node{{Key: key, Interface: key}}}
	runner := &pipeline.Runner{Store: st, Registry: registry, ScanID: scan, Force: force}
	results, err := runner.Run(ctx, p, map[string]interfaces.Inputs{key: in})
	if err != nil {
		return nil, err
	}

	return results[key], nil
}

func runPipeline(ctx context.Context, st *store.Store, registry *interfaces.Registry, path string, scan null.Int, inputsPath string, sets settings, force bool) (interface{}, error) {
	p, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}

	inputs := map[string]interfaces.Inputs{}
	if inputsPath != "" {
		if err := readJSON(inputsPath, &inputs); err != nil {
			return nil, err
		}
	}
	for _, s := range sets {
		k, v, err := parseSetting(s)
		if err != nil {
			return nil, err
		}
		node, key, ok := strings.Cut(k, ".")
		if !ok {
			return nil, fmt.Errorf("-set %q: pipeline inputs are written node.key=value", s)
		}
		if inputs[node] == nil {
			inputs[node] = interfaces.Inputs{}
		}
		inputs[node][key] = v
	}

	log.WithFields(log.Fields{"pipeline": p.Title, "nodes": len(p.Nodes)}).Infoln("Running")
	runner := &pipeline.Runner{Store: st, Registry: registry, ScanID: scan, Force: force}

	return runner.Run(ctx, p, inputs)
}

// parseSetting splits key=value. The value is decoded as JSON so that
// numbers, booleans and lists keep their type; anything else is a string.
func parseSetting(s string) (string, interface{}, error) {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", nil, fmt.Errorf("-set %q is not key=value", s)
	}

	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return key, raw, nil
	}

	return key, v, nil
}

func readJSON(path string, v interface{}) error {
	path, err := mriflow.ExpandHome(path)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, v)
}
