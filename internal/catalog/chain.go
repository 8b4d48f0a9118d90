package catalog

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChainIntegrity marks a chain that passes through a quarantined
	// (verification-failed) record.
	ErrChainIntegrity = errors.New("chain passes through a failed record")
	// ErrUnresolvableChain marks a chain with a missing or unverified link
	// and no acceptable fallback.
	ErrUnresolvableChain = errors.New("chain cannot be resolved to a verified full backup")
)

// RestorePlan is a resolved chain: one verified full record followed by the
// minimal sequence of incrementals/differentials reaching the target.
type RestorePlan struct {
	Target    *BackupRecord   // record whose snapshot will be restored
	Requested string          // record id the caller asked for
	Chain     []*BackupRecord // oldest (full) first, ends at Target
	FellBack  bool
}

// ResolveRestoreChain resolves targetID to a fully verified chain. Every link
// must be `verified`; a `failed` link yields ErrChainIntegrity and a missing
// or unverified one ErrUnresolvableChain. With allowFallback the resolution
// walks back through the target's ancestors and restores the nearest one
// whose own chain is intact instead.
func (c *Catalog) ResolveRestoreChain(ctx context.Context, targetID string, allowFallback bool) (*RestorePlan, error) {
	target, err := c.GetRecord(ctx, targetID)
	if err != nil {
		return nil, err
	}

	chain, chainErr := c.buildVerifiedChain(ctx, target)
	if chainErr == nil {
		return &RestorePlan{Target: target, Requested: targetID, Chain: chain}, nil
	}
	if !allowFallback {
		return nil, chainErr
	}

	// Walk ancestors nearest-first until one resolves cleanly.
	for cur := target; cur.ParentID != ""; {
		ancestor, err := c.GetRecord(ctx, cur.ParentID)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil, chainErr
			}
			return nil, err
		}
		if fallbackChain, err := c.buildVerifiedChain(ctx, ancestor); err == nil {
			return &RestorePlan{Target: ancestor, Requested: targetID, Chain: fallbackChain, FellBack: true}, nil
		}
		cur = ancestor
	}
	return nil, chainErr
}

// buildVerifiedChain walks parent links from rec back to its full backup and
// returns the chain oldest-first, rejecting any non-verified link. Because a
// differential's parent is its full, the walk naturally yields the minimal
// link set.
func (c *Catalog) buildVerifiedChain(ctx context.Context, rec *BackupRecord) ([]*BackupRecord, error) {
	var reversed []*BackupRecord
	cur := rec
	for {
		switch cur.Status {
		case StatusFailed:
			return nil, fmt.Errorf("record %s: %w", cur.ID, ErrChainIntegrity)
		case StatusVerified:
		default:
			return nil, fmt.Errorf("record %s is %s: %w", cur.ID, cur.Status, ErrUnresolvableChain)
		}
		reversed = append(reversed, cur)
		if cur.Type == TypeFull {
			break
		}
		if cur.ParentID == "" {
			return nil, fmt.Errorf("record %s has no parent: %w", cur.ID, ErrUnresolvableChain)
		}
		parent, err := c.GetRecord(ctx, cur.ParentID)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil, fmt.Errorf("missing parent of %s: %w", cur.ID, ErrUnresolvableChain)
			}
			return nil, err
		}
		cur = parent
	}

	chain := make([]*BackupRecord, len(reversed))
	for i, r := range reversed {
		chain[len(reversed)-1-i] = r
	}
	return chain, nil
}

// NearestFullAncestor resolves the full record a differential must diff
// against: rec itself when full, otherwise the closest full up the parent
// chain.
func (c *Catalog) NearestFullAncestor(ctx context.Context, rec *BackupRecord) (*BackupRecord, error) {
	cur := rec
	for cur.Type != TypeFull {
		if cur.ParentID == "" {
			return nil, fmt.Errorf("record %s has no full ancestor: %w", rec.ID, ErrUnresolvableChain)
		}
		parent, err := c.GetRecord(ctx, cur.ParentID)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return cur, nil
}
