package domain

import "context"

// KVStore is the driven port for durable client-side state.
// Get reports ok=false for missing keys. SetMany writes all pairs or none.
type KVStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, key string) error
}

// EnrichmentAPI is the driven port for the remote enrichment queue.
type EnrichmentAPI interface {
	QueueStatus(ctx context.Context) (QueueSnapshot, error)
	FailedItems(ctx context.Context, limit int) ([]FailedItem, error)
	// RetryItems submits ids as a single batch. Success is all-or-nothing.
	RetryItems(ctx context.Context, ids []string) error
}

// JobAPI is the driven port for reading job status.
type JobAPI interface {
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
}
