package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/config"
	"github.com/tonipapic/drbackup/internal/lock"
	"github.com/tonipapic/drbackup/internal/storage"
	"github.com/tonipapic/drbackup/internal/util"
)

// PruneResult summarizes one retention pass.
type PruneResult struct {
	RecordsDeleted []string
	ObjectsDeleted int
	BytesFreed     int64
}

// chain is a full backup and all records descending from it.
type chain struct {
	full    *catalog.BackupRecord
	records []*catalog.BackupRecord
}

func (c *chain) newest() time.Time {
	t := c.full.CreatedAt
	for _, r := range c.records {
		if r.CreatedAt.After(t) {
			t = r.CreatedAt
		}
	}
	return t
}

// Prune applies the retention policy: keep the newest KeepLast chains and any
// chain touched within KeepDays, delete the rest whole. Quarantined records
// are kept for audit. Objects are garbage-collected only once no surviving
// record references them.
func (e *Engine) Prune(ctx context.Context, policy config.Retention) (*PruneResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	guard, err := lock.Acquire(e.LockDir, e.Dataset)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	res := &PruneResult{}
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return res, nil
	}

	chains, err := e.chains(ctx)
	if err != nil {
		return nil, err
	}

	// Newest chains first.
	sort.Slice(chains, func(i, j int) bool { return chains[i].newest().After(chains[j].newest()) })

	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -policy.KeepDays)
	}
	for i, ch := range chains {
		if policy.KeepLast > 0 && i < policy.KeepLast {
			continue
		}
		if !cutoff.IsZero() && ch.newest().After(cutoff) {
			continue
		}
		if err := e.deleteChain(ctx, ch, res); err != nil {
			return res, err
		}
	}

	e.Log.Info().
		Int("records", len(res.RecordsDeleted)).
		Int("objects", res.ObjectsDeleted).
		Int64("bytes", res.BytesFreed).
		Msg("retention applied")
	return res, nil
}

// chains groups the dataset's records by their root full backup. Records
// whose ancestry is broken (parent already pruned by hand) form their own
// group so they still age out.
func (e *Engine) chains(ctx context.Context) ([]*chain, error) {
	records, err := e.Catalog.ListRecords(ctx, e.Dataset)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*catalog.BackupRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	root := func(r *catalog.BackupRecord) *catalog.BackupRecord {
		for r.ParentID != "" {
			parent, ok := byID[r.ParentID]
			if !ok {
				break
			}
			r = parent
		}
		return r
	}
	groups := make(map[string]*chain)
	var out []*chain
	for _, r := range records {
		top := root(r)
		ch, ok := groups[top.ID]
		if !ok {
			ch = &chain{full: top}
			groups[top.ID] = ch
			out = append(out, ch)
		}
		if r.ID != top.ID {
			ch.records = append(ch.records, r)
		}
	}
	return out, nil
}

// deleteChain removes the chain's records leaf-first, then drops objects no
// surviving record references. Quarantined records stay for audit, and so do
// their ancestors: the parent link must keep resolving.
func (e *Engine) deleteChain(ctx context.Context, ch *chain, res *PruneResult) error {
	ordered := append([]*catalog.BackupRecord{}, ch.records...)
	ordered = append(ordered, ch.full)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.After(ordered[j].CreatedAt) })

	byID := make(map[string]*catalog.BackupRecord, len(ordered))
	for _, rec := range ordered {
		byID[rec.ID] = rec
	}
	keep := make(map[string]bool)
	for _, rec := range ordered {
		if rec.Status != catalog.StatusFailed {
			continue
		}
		for r := rec; r != nil; r = byID[r.ParentID] {
			keep[r.ID] = true
		}
	}

	for _, rec := range ordered {
		if keep[rec.ID] {
			e.Log.Debug().Str("record", rec.ID).Msg("keeping quarantined record or its ancestor")
			continue
		}
		refs, err := e.Catalog.RecordObjects(ctx, rec.ID)
		if err != nil {
			return err
		}
		if err := e.Catalog.DeleteRecord(ctx, rec.ID); err != nil {
			return fmt.Errorf("delete record %s: %w", rec.ID, err)
		}
		res.RecordsDeleted = append(res.RecordsDeleted, rec.ID)

		if err := e.Backend.Delete(ctx, rec.ManifestKey); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("delete manifest %s: %w", rec.ManifestKey, err)
		}

		seen := make(map[string]int64, len(refs))
		for _, ref := range refs {
			seen[ref.Hash] = ref.Size
		}
		for hash, size := range seen {
			referenced, err := e.Catalog.ObjectReferenced(ctx, hash)
			if err != nil {
				return err
			}
			if referenced {
				continue
			}
			key := util.ObjectKey(e.Prefix, hash)
			if err := e.Backend.Delete(ctx, key); err != nil && !storage.IsNotFound(err) {
				return fmt.Errorf("delete object %s: %w", key, err)
			}
			res.ObjectsDeleted++
			res.BytesFreed += size
		}
	}
	return nil
}
