package export

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Concurrent object uploads
const uploadConcurrency = 8

// objectNames maps every regular file under dir to its object name under
// prefix, keeping the relative layout.
func objectNames(dir, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out[p] = path.Join(prefix, filepath.ToSlash(rel))
		return nil
	})

	return out, pfx.Err(err)
}

// UploadDirectory copies every file under dir to the gs:// destination,
// preserving relative paths. It returns the number of objects written.
func UploadDirectory(ctx context.Context, client *storage.Client, dest, dir string) (int64, error) {
	if !mriflow.IsGoogleStorage(dest) {
		return 0, fmt.Errorf("%s is not a gs:// destination", dest)
	}
	bucketName, prefix, err := mriflow.SplitGoogleStoragePath(dest)
	if err != nil {
		return 0, err
	}

	dir, err = mriflow.ExpandHome(dir)
	if err != nil {
		return 0, err
	}
	names, err := objectNames(dir, prefix)
	if err != nil {
		return 0, err
	}

	bucket := client.Bucket(bucketName)
	var written int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for local, object := range names {
		local, object := local, object
		g.Go(func() error {
			if err := upload(gctx, bucket.Object(object), local); err != nil {
				return fmt.Errorf("uploading %s to gs://%s/%s: %w", local, bucketName, object, err)
			}
			atomic.AddInt64(&written, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return atomic.LoadInt64(&written), pfx.Err(err)
	}

	log.WithFields(log.Fields{"dir": dir, "dest": dest, "objects": written}).Infoln("Uploaded")

	return written, nil
}

func upload(ctx context.Context, obj *storage.ObjectHandle, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return err
	}

	return w.Close()
}
