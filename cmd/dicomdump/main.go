// dicomdump prints the header fields mriflow reads from DICOM files, one
// JSON object per file, together with the sequence type they would be
// classified as. Files may be local, compressed, or gs:// objects.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/mriflow/compileinfo"
	_ "github.com/carbocation/mriflow/compileinfoprint"
	"github.com/carbocation/mriflow/dicomheader"
	"github.com/carbocation/mriflow/sequence"
	log "github.com/sirupsen/logrus"
)

var (
	BufferSize = 4096
	STDOUT     = bufio.NewWriterSize(os.Stdout, BufferSize)
)

// Dump is one emitted line.
type Dump struct {
	dicomheader.Header
	SequenceType string `json:"sequence_type,omitempty"`
}

func main() {
	defer STDOUT.Flush()

	var definitions string
	var version bool
	flag.StringVar(&definitions, "definitions", "", "(Optional) YAML file of sequence definitions that override the built-in ones.")
	flag.BoolVar(&version, "version", false, "Print the build information and exit.")
	flag.Parse()

	if version {
		fmt.Println(compileinfo.Get())
		return
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: dicomdump [flags] file.dcm|gs://bucket/file.dcm ...")
		flag.PrintDefaults()
		os.Exit(1)
	}

	defs := sequence.Defaults()
	if definitions != "" {
		var err error
		if defs, err = sequence.Load(definitions); err != nil {
			log.Fatalln(err)
		}
	}

	ctx := context.Background()

	var client *storage.Client
	for _, path := range flag.Args() {
		if mriflow.IsGoogleStorage(path) && client == nil {
			var err error
			if client, err = storage.NewClient(ctx); err != nil {
				log.Fatalln(err)
			}
		}
	}

	enc := json.NewEncoder(STDOUT)
	for _, path := range flag.Args() {
		h, err := dicomheader.ParseFile(ctx, path, client)
		if err != nil {
			log.WithField("file", path).Errorln(err)
			continue
		}

		out := Dump{Header: h}
		if def, ok := sequence.Infer(h, defs); ok {
			out.SequenceType = def.Title
		}
		if err := enc.Encode(out); err != nil {
			log.Fatalln(err)
		}
	}
}
