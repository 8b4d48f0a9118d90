package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/manifest"
	"github.com/tonipapic/drbackup/internal/storage"
	"github.com/tonipapic/drbackup/internal/util"
)

const applyBackoff = 500 * time.Millisecond

// run executes one session until a terminal state, translating cancellation
// and timeouts into the matching states.
func (o *Orchestrator) run(sessionID string) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if o.Cfg.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.Cfg.SessionTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	o.mu.Lock()
	if o.cancels == nil {
		o.cancels = make(map[string]context.CancelFunc)
	}
	o.cancels[sessionID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, sessionID)
		o.mu.Unlock()
	}()

	err := o.execute(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		o.setState(sessionID, catalog.StateCancelled, "cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		o.setState(sessionID, catalog.StateFailed, "session timeout exceeded")
	default:
		o.setState(sessionID, catalog.StateFailed, err.Error())
	}
}

// setState persists a state transition outside the session context so
// terminal states survive cancellation.
func (o *Orchestrator) setState(sessionID string, state catalog.SessionState, failure string) {
	if err := o.Catalog.SetSessionState(context.Background(), sessionID, state, failure); err != nil {
		o.Log.Error().Err(err).Str("session", sessionID).Msg("persist session state")
	}
	o.Log.Info().Str("session", sessionID).Str("state", string(state)).Msg("session state")
}

// execute runs the phases in order. Each phase is idempotent over the
// persisted cursor, so a resumed session replays cheaply past work already
// done.
func (o *Orchestrator) execute(ctx context.Context, sessionID string) error {
	sess, err := o.Catalog.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	o.setState(sessionID, catalog.StateRetrieving, "")
	if err := o.retrieve(ctx, sess); err != nil {
		return err
	}

	o.setState(sessionID, catalog.StateVerifying, "")
	if err := o.verifyStaged(ctx, sess); err != nil {
		return err
	}

	o.setState(sessionID, catalog.StateApplying, "")
	return o.apply(ctx, sess)
}

// retrieve stages every session object into the spool. Hot objects download
// immediately; archive objects are requested once and then polled until
// ready or past the per-object deadline.
func (o *Orchestrator) retrieve(ctx context.Context, sess *catalog.RecoverySession) error {
	if err := os.MkdirAll(o.spoolDir(sess.ID), 0o755); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}
	for {
		objects, err := o.Catalog.SessionObjects(ctx, sess.ID)
		if err != nil {
			return err
		}
		var open []catalog.SessionObject
		for _, obj := range objects {
			if obj.Status == catalog.ObjectPending || obj.Status == catalog.ObjectRequested {
				open = append(open, obj)
			}
		}
		if len(open) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(o.Cfg.Concurrency, 1))
		for _, obj := range open {
			obj := obj
			g.Go(func() error { return o.fetchObject(gctx, sess, obj) })
		}
		if err := g.Wait(); err != nil {
			return err
		}

		waiting := 0
		objects, err = o.Catalog.SessionObjects(ctx, sess.ID)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			if obj.Status == catalog.ObjectPending || obj.Status == catalog.ObjectRequested {
				waiting++
			}
		}
		if waiting == 0 {
			return nil
		}
		o.Log.Debug().Str("session", sess.ID).Int("waiting", waiting).Msg("archive retrievals pending")
		select {
		case <-time.After(o.Cfg.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fetchObject advances one object's cursor: request an archive retrieval,
// poll it, or download and stage the content.
func (o *Orchestrator) fetchObject(ctx context.Context, sess *catalog.RecoverySession, obj catalog.SessionObject) error {
	key := util.ObjectKey(o.Prefix, obj.Hash)

	if obj.Status == catalog.ObjectRequested {
		var token storage.RetrievalToken
		if err := json.Unmarshal([]byte(obj.Token), &token); err != nil {
			return fmt.Errorf("object %s: bad retrieval token: %w", obj.Hash, err)
		}
		if o.Cfg.ObjectTimeout > 0 && time.Since(token.Requested) > o.Cfg.ObjectTimeout {
			return fmt.Errorf("%w: object %s pending since %s", ErrRetrievalTimeout, obj.Hash, token.Requested.Format(time.RFC3339))
		}
		ready, err := o.Backend.PollRetrieval(ctx, token)
		if err != nil {
			return fmt.Errorf("poll object %s: %w", obj.Hash, err)
		}
		if !ready {
			return nil
		}
	}

	rc, err := o.Backend.Get(ctx, key)
	if err != nil {
		if pe, ok := storage.AsPending(err); ok {
			token, merr := json.Marshal(pe.Token)
			if merr != nil {
				return merr
			}
			return o.Catalog.SetSessionObject(ctx, sess.ID, obj.Hash, catalog.ObjectRequested, string(token))
		}
		if storage.IsNotFound(err) {
			return fmt.Errorf("object %s is gone from the store", obj.Hash)
		}
		return fmt.Errorf("get object %s: %w", obj.Hash, err)
	}
	defer rc.Close()

	payload, err := o.Codec.Decode(rc)
	if err != nil {
		return fmt.Errorf("%w: object %s: %v", ErrRetrievalCorrupt, obj.Hash, err)
	}
	defer payload.Close()

	if err := o.stage(sess.ID, obj.Hash, payload); err != nil {
		return err
	}
	return o.Catalog.SetSessionObject(ctx, sess.ID, obj.Hash, catalog.ObjectStaged, "")
}

// stage writes the decoded payload to the spool with a temp-file rename.
func (o *Orchestrator) stage(sessionID, hash string, payload io.Reader) error {
	spool := o.spoolDir(sessionID)
	tmp, err := os.CreateTemp(spool, ".stage-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: object %s: %v", ErrRetrievalCorrupt, hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(spool, hash))
}

// verifyStaged re-hashes every staged object before anything touches the
// target directory.
func (o *Orchestrator) verifyStaged(ctx context.Context, sess *catalog.RecoverySession) error {
	objects, err := o.Catalog.SessionObjects(ctx, sess.ID)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.Cfg.Concurrency, 1))
	for _, obj := range objects {
		if obj.Status == catalog.ObjectVerified {
			continue
		}
		obj := obj
		g.Go(func() error {
			sum, err := manifest.HashFile(filepath.Join(o.spoolDir(sess.ID), obj.Hash))
			if err != nil {
				return fmt.Errorf("staged object %s: %w", obj.Hash, err)
			}
			if sum != obj.Hash {
				return fmt.Errorf("%w: object %s re-hashed to %s", ErrRetrievalCorrupt, obj.Hash, sum)
			}
			return o.Catalog.SetSessionObject(gctx, sess.ID, obj.Hash, catalog.ObjectVerified, "")
		})
	}
	return g.Wait()
}

// apply materializes the target manifest into the target directory: delete
// tombstoned paths, then copy each in-scope file from the spool with bounded
// per-file retries. Per-file failures are recorded and do not stop the rest.
func (o *Orchestrator) apply(ctx context.Context, sess *catalog.RecoverySession) error {
	m, err := o.loadManifest(ctx, sess.TargetRecordID)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if err := os.MkdirAll(sess.TargetDir, 0o755); err != nil {
		return fmt.Errorf("target dir: %w", err)
	}

	var failed []string
	for _, path := range m.Removed {
		if !inScope(path, sess.Scope) {
			continue
		}
		dest := filepath.Join(sess.TargetDir, filepath.FromSlash(path))
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			o.Log.Warn().Err(err).Str("path", path).Msg("tombstone delete failed")
			failed = append(failed, path)
		}
	}

	for _, entry := range m.Entries {
		if !inScope(entry.Path, sess.Scope) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := util.Retry(ctx, max(o.Cfg.ApplyRetry, 1), applyBackoff, nil, func() error {
			return o.applyFile(sess, entry)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			o.Log.Warn().Err(err).Str("path", entry.Path).Msg("apply failed")
			failed = append(failed, entry.Path)
		}
	}

	sort.Strings(failed)
	if err := o.Catalog.SetSessionFailedFiles(ctx, sess.ID, failed); err != nil {
		return err
	}
	if err := os.RemoveAll(o.sessionDir(sess.ID)); err != nil {
		o.Log.Warn().Err(err).Str("session", sess.ID).Msg("spool cleanup failed")
	}

	state := catalog.StateCompleted
	if len(failed) > 0 {
		state = catalog.StateCompletedWithErrors
	}
	o.setState(sess.ID, state, "")
	return nil
}

// applyFile copies one staged object to its target path with a temp-file
// rename in the destination directory.
func (o *Orchestrator) applyFile(sess *catalog.RecoverySession, entry manifest.Entry) error {
	src, err := os.Open(filepath.Join(o.spoolDir(sess.ID), entry.Hash))
	if err != nil {
		return err
	}
	defer src.Close()

	dest := filepath.Join(sess.TargetDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".restore-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModTime, entry.ModTime)
	}
	return nil
}
