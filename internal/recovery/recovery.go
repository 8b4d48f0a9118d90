package recovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/codec"
	"github.com/tonipapic/drbackup/internal/config"
	"github.com/tonipapic/drbackup/internal/manifest"
	"github.com/tonipapic/drbackup/internal/storage"
	"github.com/tonipapic/drbackup/internal/util"
)

var (
	// ErrRetrievalTimeout marks an archive retrieval that stayed pending past
	// the per-object deadline.
	ErrRetrievalTimeout = errors.New("archive retrieval timed out")

	// ErrRetrievalCorrupt marks a retrieved object whose content does not
	// match its content hash. The session fails before any write to the
	// target directory.
	ErrRetrievalCorrupt = errors.New("retrieved object is corrupt")

	// ErrSessionTerminal is returned for resume/cancel on a finished session.
	ErrSessionTerminal = errors.New("session already reached a terminal state")
)

// Orchestrator drives recovery sessions through
// planning/retrieving/verifying/applying. Session state and the per-object
// retrieval cursor live in the catalog, so an interrupted session resumes
// without re-fetching objects already staged.
type Orchestrator struct {
	Catalog *catalog.Catalog
	Backend storage.Backend
	Codec   *codec.Codec
	Prefix  string
	WorkDir string
	Dataset string
	Cfg     config.RecoveryConfig
	Log     zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(cfg *config.Config, cat *catalog.Catalog, backend storage.Backend, cdc *codec.Codec, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Catalog: cat,
		Backend: backend,
		Codec:   cdc,
		Prefix:  cfg.Storage.Prefix,
		WorkDir: cfg.Global.WorkDir,
		Dataset: cfg.Dataset.Name,
		Cfg:     cfg.Recovery,
		Log:     log,
	}
}

// Start plans a recovery of recordID into targetDir and launches it in the
// background. Scope, when non-empty, restricts the restore to the given path
// prefixes. Planning failures are persisted as failed sessions so the attempt
// is auditable; the error is returned alongside.
func (o *Orchestrator) Start(ctx context.Context, recordID, targetDir string, scope []string) (*catalog.RecoverySession, error) {
	plan, err := o.Catalog.ResolveRestoreChain(ctx, recordID, o.Cfg.AllowFallback)
	if err != nil {
		return o.failPlanning(ctx, recordID, targetDir, scope, err)
	}

	m, err := o.loadManifest(ctx, plan.Target.ID)
	if err != nil {
		return o.failPlanning(ctx, recordID, targetDir, scope, fmt.Errorf("load manifest: %w", err))
	}

	now := time.Now().UTC()
	sess := &catalog.RecoverySession{
		ID:                uuid.NewString(),
		Dataset:           plan.Target.Dataset,
		TargetRecordID:    plan.Target.ID,
		RequestedRecordID: recordID,
		TargetDir:         targetDir,
		Scope:             scope,
		State:             catalog.StatePlanning,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, rec := range plan.Chain {
		sess.Chain = append(sess.Chain, rec.ID)
	}

	// One retrieval per distinct content hash within scope.
	seen := map[string]bool{}
	var objects []catalog.SessionObject
	for _, entry := range m.Entries {
		if !inScope(entry.Path, scope) || seen[entry.Hash] {
			continue
		}
		seen[entry.Hash] = true
		objects = append(objects, catalog.SessionObject{
			SessionID: sess.ID,
			Hash:      entry.Hash,
			Size:      entry.Size,
			Status:    catalog.ObjectPending,
		})
	}

	if err := o.Catalog.CreateSession(ctx, sess, objects); err != nil {
		return nil, err
	}
	o.Log.Info().
		Str("session", sess.ID).
		Str("record", sess.TargetRecordID).
		Bool("fell_back", plan.FellBack).
		Int("objects", len(objects)).
		Msg("recovery planned")

	go o.run(sess.ID)
	return sess, nil
}

// StartAsOf resolves the newest verified record created at or before asOf
// and starts a recovery of it.
func (o *Orchestrator) StartAsOf(ctx context.Context, asOf time.Time, targetDir string, scope []string) (*catalog.RecoverySession, error) {
	rec, err := o.Catalog.RecordAsOf(ctx, o.Dataset, asOf)
	if err != nil {
		if errors.Is(err, catalog.ErrRecordNotFound) {
			return nil, fmt.Errorf("no verified record at or before %s: %w", asOf.Format(time.RFC3339), err)
		}
		return nil, err
	}
	return o.Start(ctx, rec.ID, targetDir, scope)
}

// Resume relaunches a session interrupted before reaching a terminal state.
// Objects already staged or verified are not fetched again.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*catalog.RecoverySession, error) {
	sess, err := o.Catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, sess.State)
	}
	o.mu.Lock()
	_, running := o.cancels[sessionID]
	o.mu.Unlock()
	if running {
		return sess, nil
	}
	o.Log.Info().Str("session", sessionID).Str("state", string(sess.State)).Msg("resuming recovery")
	go o.run(sess.ID)
	return sess, nil
}

// Cancel stops a session at the next object boundary. A session not running
// in this process is marked cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	cancel, running := o.cancels[sessionID]
	o.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	sess, err := o.Catalog.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrSessionTerminal, sessionID, sess.State)
	}
	return o.Catalog.SetSessionState(ctx, sessionID, catalog.StateCancelled, "cancelled")
}

// Status returns the current session row.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*catalog.RecoverySession, error) {
	return o.Catalog.GetSession(ctx, sessionID)
}

// Wait blocks until the session reaches a terminal state.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*catalog.RecoverySession, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		sess, err := o.Catalog.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.State.Terminal() {
			return sess, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return sess, ctx.Err()
		}
	}
}

func (o *Orchestrator) failPlanning(ctx context.Context, recordID, targetDir string, scope []string, cause error) (*catalog.RecoverySession, error) {
	rec, err := o.Catalog.GetRecord(ctx, recordID)
	if err != nil {
		// Nothing to pin a session to.
		return nil, cause
	}
	now := time.Now().UTC()
	sess := &catalog.RecoverySession{
		ID:                uuid.NewString(),
		Dataset:           rec.Dataset,
		TargetRecordID:    recordID,
		RequestedRecordID: recordID,
		TargetDir:         targetDir,
		Scope:             scope,
		State:             catalog.StateFailed,
		Failure:           cause.Error(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := o.Catalog.CreateSession(ctx, sess, nil); err != nil {
		return nil, errors.Join(cause, err)
	}
	o.Log.Warn().Str("session", sess.ID).Str("record", recordID).Err(cause).Msg("recovery planning failed")
	return sess, cause
}

func (o *Orchestrator) loadManifest(ctx context.Context, recordID string) (*manifest.Manifest, error) {
	rc, err := o.Backend.Get(ctx, util.ManifestKey(o.Prefix, recordID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return manifest.Decode(rc)
}

func (o *Orchestrator) sessionDir(sessionID string) string {
	return filepath.Join(o.WorkDir, "sessions", sessionID)
}

func (o *Orchestrator) spoolDir(sessionID string) string {
	return filepath.Join(o.sessionDir(sessionID), "objects")
}

// inScope reports whether a slash-separated manifest path matches one of the
// scope prefixes. Prefixes match on path-segment boundaries.
func inScope(path string, scope []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, prefix := range scope {
		prefix = strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
