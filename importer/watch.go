package importer

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
	log "github.com/sirupsen/logrus"
)

// Watcher polls a directory tree and imports new files once the tree has
// been quiet for a while, so that series still being transferred are not
// registered half-written.
type Watcher struct {
	Importer *Importer
	Root     string

	// Quiet is how long no file may change before pending files are
	// imported.
	Quiet time.Duration

	// Poll is the interval between directory walks. Zero means a fifth of
	// Quiet, at least one second.
	Poll time.Duration

	// Imported, if set, is called after every import with its summary.
	Imported func(ctx context.Context, summary Summary)

	seen       map[string]time.Time
	pending    map[string]struct{}
	lastChange time.Time
}

// Watch is a shorthand for a Watcher on root.
func (im *Importer) Watch(ctx context.Context, root string, quiet time.Duration) error {
	w := &Watcher{Importer: im, Root: root, Quiet: quiet}
	return w.Run(ctx)
}

func (w *Watcher) poll() time.Duration {
	if w.Poll > 0 {
		return w.Poll
	}
	if p := w.Quiet / 5; p > time.Second {
		return p
	}
	return time.Second
}

// Run watches until ctx is cancelled. Files that are already present when
// Run starts are imported too.
func (w *Watcher) Run(ctx context.Context) error {
	root, err := mriflow.ExpandHome(w.Root)
	if err != nil {
		return err
	}
	w.Root = root

	logger := log.WithFields(log.Fields{"root": w.Root, "quiet": w.Quiet})
	logger.Infoln("Watching for DICOM files")

	ticker := time.NewTicker(w.poll())
	defer ticker.Stop()

	for {
		if err := w.Check(ctx, time.Now()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Errorln("Watch pass failed")
		}

		select {
		case <-ctx.Done():
			logger.Infoln("Stopped watching")
			return nil
		case <-ticker.C:
		}
	}
}

// Check walks the tree once, noting new or modified files, and imports the
// pending files if nothing has changed for Quiet as of now.
func (w *Watcher) Check(ctx context.Context, now time.Time) error {
	if w.seen == nil {
		w.seen = make(map[string]time.Time)
		w.pending = make(map[string]struct{})
	}

	changed, err := w.walk()
	if err != nil {
		return err
	}
	if changed > 0 {
		w.lastChange = now
		log.WithFields(log.Fields{"root": w.Root, "changed": changed, "pending": len(w.pending)}).Debugln("Files changed")
	}

	if len(w.pending) == 0 || now.Sub(w.lastChange) < w.Quiet {
		return nil
	}

	files := make([]string, 0, len(w.pending))
	for f := range w.pending {
		files = append(files, f)
	}
	sort.Strings(files)

	summary, err := w.Importer.Scan(ctx, files)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Failed series stay failed until their files change again.
	w.pending = make(map[string]struct{})

	if w.Imported != nil {
		w.Imported(ctx, summary)
	}

	return err
}

func (w *Watcher) walk() (int, error) {
	changed := 0
	err := filepath.WalkDir(w.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != w.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isZip(p) && skipName(p) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed between listing and stat
			return nil
		}

		if last, ok := w.seen[p]; ok && !info.ModTime().After(last) {
			return nil
		}
		w.seen[p] = info.ModTime()
		w.pending[p] = struct{}{}
		changed++

		return nil
	})

	return changed, pfx.Err(err)
}
