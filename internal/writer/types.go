package writer

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WriterConfig holds batching settings.
type WriterConfig struct {
	InstanceID       string
	BatchSize        int
	FlushInterval    time.Duration
	SnapshotInterval time.Duration // zero disables snapshots
	BufferSize       int
}

// DefaultWriterConfig returns the default batching settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:        500,
		FlushInterval:    time.Second,
		SnapshotInterval: 30 * time.Second,
		BufferSize:       10000,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Errors    int64
	Flushes   int64
	Dropped   int64 // events lost because the input buffer was full
	Snapshots int64
}

// historyRow is one pending insert.
type historyRow interface {
	queue(b *pgx.Batch)
}

type transitionRow struct {
	ID         uuid.UUID
	SiteID     string
	From       string
	To         string
	Reason     *string
	LatencyMs  *int64
	CloseCode  *int
	OccurredAt time.Time
}

func (r transitionRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO site_transitions (id, site_id, from_state, to_state, reason, latency_ms, close_code, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.SiteID, r.From, r.To, r.Reason, r.LatencyMs, r.CloseCode, r.OccurredAt)
}

type failureRow struct {
	ID         uuid.UUID
	SiteID     string
	Attempts   int
	Error      *string
	OccurredAt time.Time
}

func (r failureRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO site_reconnect_failures (id, site_id, attempts, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.SiteID, r.Attempts, r.Error, r.OccurredAt)
}

type snapshotRow struct {
	ID             uuid.UUID
	InstanceID     string
	TotalSites     int
	ConnectedSites int
	AverageScore   float64
	Quality        string
	TakenAt        time.Time
}

func (r snapshotRow) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO site_quality_snapshots (id, instance_id, total_sites, connected_sites, average_score, overall_quality, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.InstanceID, r.TotalSites, r.ConnectedSites, r.AverageScore, r.Quality, r.TakenAt)
}
