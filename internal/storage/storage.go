package storage

import (
	"context"
	"io"
	"time"
)

// Tier selects the storage class for a stored object. Archive-tier objects
// may require an asynchronous retrieval before Get succeeds.
type Tier string

const (
	TierHot     Tier = "hot"
	TierArchive Tier = "archive"
)

type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
	ETag     string
	Tier     Tier
}

// RetrievalToken identifies an in-flight archive retrieval. Tokens are
// serializable so a recovery session can persist and resume them.
type RetrievalToken struct {
	Key       string    `json:"key"`
	Requested time.Time `json:"requested"`
}

// Backend is the storage capability the engine and orchestrator are written
// against. Get on an archive-tier object that has not been retrieved yet
// returns a *PendingError carrying a token for PollRetrieval.
type Backend interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, tier Tier) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PollRetrieval(ctx context.Context, token RetrievalToken) (bool, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}
