package engine

import (
	"context"
	"time"

	"github.com/tonipapic/drbackup/internal/catalog"
)

// TypeStats aggregates the records of one backup type.
type TypeStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Stats is a point-in-time summary of the dataset's backup posture.
type Stats struct {
	Dataset     string                             `json:"dataset"`
	Records     int                                `json:"records"`
	ByType      map[catalog.BackupType]TypeStats   `json:"by_type"`
	ByStatus    map[catalog.VerificationStatus]int `json:"by_status"`
	TotalBytes  int64                              `json:"total_bytes"`
	LastBackup  time.Time                          `json:"last_backup,omitempty"`
	RPO         time.Duration                      `json:"rpo"`          // age of the newest verified record; 0 when none exists
	RTOEstimate time.Duration                      `json:"rto_estimate"` // mean duration of the last five completed recoveries
}

// Stats computes the summary. RPO is how much data a disaster right now would
// lose; the RTO estimate projects recovery time from recent history.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	records, err := e.Catalog.ListRecords(ctx, e.Dataset)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Dataset:  e.Dataset,
		Records:  len(records),
		ByType:   make(map[catalog.BackupType]TypeStats),
		ByStatus: make(map[catalog.VerificationStatus]int),
	}
	var newestVerified time.Time
	for _, rec := range records {
		ts := s.ByType[rec.Type]
		ts.Count++
		ts.Bytes += rec.TotalSize
		s.ByType[rec.Type] = ts
		s.ByStatus[rec.Status]++
		s.TotalBytes += rec.TotalSize
		if rec.CreatedAt.After(s.LastBackup) {
			s.LastBackup = rec.CreatedAt
		}
		if rec.Status == catalog.StatusVerified && rec.CreatedAt.After(newestVerified) {
			newestVerified = rec.CreatedAt
		}
	}
	if !newestVerified.IsZero() {
		s.RPO = time.Since(newestVerified)
	}

	durations, err := e.Catalog.RecentRecoveryDurations(ctx, e.Dataset, 5)
	if err != nil {
		return nil, err
	}
	if len(durations) > 0 {
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		s.RTOEstimate = total / time.Duration(len(durations))
	}
	return s, nil
}
