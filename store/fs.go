package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperror "github.com/datakeep/datakeep-services-uploads/errors"
	"github.com/datakeep/datakeep-services-uploads/logging"
)

// FSObjectStorageImpl is the local-development object store. It implements
// the same contract as the S3 adapter over a directory tree; keys map to
// paths under root. Selected by configuration, never by runtime fallback.
type FSObjectStorageImpl struct {
	root string

	logger logging.Logger
}

func NewFSObjectStorageImpl(root string, l logging.Logger) (*FSObjectStorageImpl, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FSObjectStorageImpl{root: root, logger: l}, nil
}

func (s *FSObjectStorageImpl) IsReady(ctx context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

func (s *FSObjectStorageImpl) Name() string {
	return fmt.Sprintf("ObjectStorage[fs:%s]", s.root)
}

func (s *FSObjectStorageImpl) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSObjectStorageImpl) Put(ctx context.Context, key string, payload []byte) error {
	return s.writeAtomic(key, func(f *os.File) error {
		_, err := f.Write(payload)
		return err
	})
}

func (s *FSObjectStorageImpl) PutStream(ctx context.Context, key string, body io.Reader, size int64) error {
	return s.writeAtomic(key, func(f *os.File) error {
		n, err := io.Copy(f, body)
		if err != nil {
			return err
		}
		if size >= 0 && n != size {
			return fmt.Errorf("short write: got %d bytes, want %d", n, size)
		}
		return nil
	})
}

// writeAtomic stages the object in a temp file and renames it into place so
// readers never observe a partial object.
func (s *FSObjectStorageImpl) writeAtomic(key string, write func(*os.File) error) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "object store put failed", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return apperror.Wrap(apperror.CodeStorage, "object store put failed", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return apperror.Wrap(apperror.CodeStorage, "object store put failed", err)
	}
	if err := tmp.Close(); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "object store put failed", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "object store put failed", err)
	}
	return nil
}

func (s *FSObjectStorageImpl) Get(ctx context.Context, key string) ([]byte, error) {
	payload, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, apperror.ErrObjectNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "object store get failed", err)
	}
	return payload, nil
}

func (s *FSObjectStorageImpl) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, apperror.ErrObjectNotFound
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "object store get failed", err)
	}
	return f, nil
}

func (s *FSObjectStorageImpl) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return apperror.Wrap(apperror.CodeStorage, "object store delete failed", err)
	}
	return nil
}

func (s *FSObjectStorageImpl) ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeStorage, "object store list failed", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *FSObjectStorageImpl) DeletePrefix(ctx context.Context, prefix string) error {
	// Prefixes always end at a directory boundary in our key layout.
	dir := s.path(strings.TrimSuffix(prefix, "/"))
	if err := os.RemoveAll(dir); err != nil {
		return apperror.Wrap(apperror.CodeStorage, "object store delete failed", err)
	}
	return nil
}

func (s *FSObjectStorageImpl) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, apperror.Wrap(apperror.CodeStorage, "object store stat failed", err)
}

func (s *FSObjectStorageImpl) DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	// No presigning on a local disk; hand back the path for dev use.
	return "file://" + s.path(key), nil
}
