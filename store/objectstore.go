package store

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/datakeep/datakeep-services-uploads/health"
)

// ObjectInfo describes one stored object under a listed prefix.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStorage is the narrow, content-agnostic adapter over a key->bytes
// store. Production runs against S3; local development may run against the
// filesystem implementation, selected by configuration. Put and Delete are
// safely retriable; Delete of a missing key is not an error.
type ObjectStorage interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// GetStream returns the object's bytes as a reader; the caller closes it.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	// PutStream consumes body until EOF and stores it at key. size is the
	// exact byte length body will yield.
	PutStream(ctx context.Context, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	// DownloadURL issues a time-limited URL for reading key.
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	health.ReadinessCheck
}

// Key layout. Temporary chunks and final objects live under disjoint
// prefixes so cleanup can delete a whole session's chunks in one sweep.
//
//	<temp_prefix>/<upload_id>/chunk_<index>
//	<final_prefix>/<upload_id>/<upload_id>_<file_name>

func TempChunkKey(tempPrefix, uploadID string, index uint32) string {
	return fmt.Sprintf("%s/%s/chunk_%d", tempPrefix, uploadID, index)
}

func TempChunkPrefix(tempPrefix, uploadID string) string {
	return fmt.Sprintf("%s/%s/", tempPrefix, uploadID)
}

func FinalObjectKey(finalPrefix, uploadID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s_%s", finalPrefix, uploadID, uploadID, fileName)
}

// ParseChunkIndex recovers the index from a temp chunk key. Used when the
// chunk index is cold and has to be rebuilt from an object-store listing.
func ParseChunkIndex(key string) (uint32, error) {
	pos := strings.LastIndex(key, "chunk_")
	if pos < 0 {
		return 0, fmt.Errorf("not a chunk key: %q", key)
	}
	n, err := strconv.ParseUint(key[pos+len("chunk_"):], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a chunk key: %q", key)
	}
	return uint32(n), nil
}
