package mriflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/carbocation/pfx"
	"google.golang.org/api/iterator"
)

type ReaderAtCloser interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

// Decorates a Google Storage object handle with Read and ReadAt so that DICOM
// and NIfTI inputs can be consumed the same way whether they live on local
// disk or in a bucket.
type GSReaderAtCloser struct {
	*storage.ObjectHandle
	Context context.Context
	reader  *storage.Reader
}

func (o *GSReaderAtCloser) Read(p []byte) (n int, err error) {
	if o.reader == nil {
		o.reader, err = o.NewReader(o.Context)
		if err != nil {
			return 0, err
		}
	}

	return o.reader.Read(p)
}

// ReadAt satisfies io.ReaderAt. Note that this is dependent upon making p a
// buffer of the desired length to be read by NewRangeReader.
func (o *GSReaderAtCloser) ReadAt(p []byte, offset int64) (n int, err error) {
	rdr, err := o.NewRangeReader(o.Context, offset, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer rdr.Close()

	return io.ReadFull(rdr, p)
}

// Close releases the sequential reader, if one was opened.
func (o *GSReaderAtCloser) Close() error {
	if o.reader == nil {
		return nil
	}
	err := o.reader.Close()
	o.reader = nil

	return err
}

// MaybeOpenFromGoogleStorage opens a local file or, if the path starts with
// gs:// and a client is given, a Google Storage object. The object size is
// returned alongside.
func MaybeOpenFromGoogleStorage(ctx context.Context, path string, client *storage.Client) (ReaderAtCloser, int64, error) {
	if IsGoogleStorage(path) {
		if client == nil {
			return nil, 0, pfx.Err(fmt.Errorf("%s: no storage client configured", path))
		}

		bucketName, objectName, err := SplitGoogleStoragePath(path)
		if err != nil {
			return nil, 0, err
		}
		if objectName == "" {
			return nil, 0, pfx.Err(fmt.Errorf("%s names a bucket, not an object", path))
		}

		handle := &GSReaderAtCloser{
			ObjectHandle: client.Bucket(bucketName).Object(objectName),
			Context:      ctx,
		}

		// Make a hard call to get the filesize
		attrs, err := handle.Attrs(ctx)
		if err != nil {
			return nil, 0, pfx.Err(fmt.Errorf("%s: %s", path, err))
		}

		return handle, attrs.Size, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, pfx.Err(err)
	}
	fstat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, pfx.Err(err)
	}

	return f, fstat.Size(), nil
}

// ListFromGoogleStorage lists every object under a gs:// prefix, returning
// full gs:// paths in lexical order.
func ListFromGoogleStorage(ctx context.Context, prefix string, client *storage.Client) ([]string, error) {
	bucketName, objectPrefix, err := SplitGoogleStoragePath(prefix)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0)
	it := client.Bucket(bucketName).Objects(ctx, &storage.Query{Prefix: objectPrefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, pfx.Err(err)
		}

		// Skip "directory" placeholders
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}

		out = append(out, fmt.Sprintf("gs://%s/%s", bucketName, attrs.Name))
	}

	sort.Strings(out)

	return out, nil
}

// DownloadFromGoogleStorage copies a gs:// object into dir, returning the local
// path. Tools that insist on a filename (dcm2niix, the NIfTI reader) use this.
func DownloadFromGoogleStorage(ctx context.Context, path, dir string, client *storage.Client) (string, error) {
	src, _, err := MaybeOpenFromGoogleStorage(ctx, path, client)
	if err != nil {
		return "", err
	}
	defer src.Close()

	_, objectName, err := SplitGoogleStoragePath(path)
	if err != nil {
		return "", err
	}

	local := filepath.Join(dir, filepath.FromSlash(objectName))
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return "", pfx.Err(err)
	}

	dst, err := os.Create(local)
	if err != nil {
		return "", pfx.Err(err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", pfx.Err(err)
	}

	return local, pfx.Err(dst.Close())
}
