package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tonipapic/drbackup/internal/catalog"
	"github.com/tonipapic/drbackup/internal/codec"
	"github.com/tonipapic/drbackup/internal/config"
	"github.com/tonipapic/drbackup/internal/engine"
	"github.com/tonipapic/drbackup/internal/logging"
	"github.com/tonipapic/drbackup/internal/notify"
	"github.com/tonipapic/drbackup/internal/recovery"
	"github.com/tonipapic/drbackup/internal/storage"
	"github.com/tonipapic/drbackup/internal/verify"
)

// App wires the engine, verifier, and recovery orchestrator over one catalog
// and storage backend. It is the surface the CLI talks to.
type App struct {
	Cfg      *config.Config
	Catalog  *catalog.Catalog
	Backend  storage.Backend
	Engine   *engine.Engine
	Verifier *verify.Verifier
	Recovery *recovery.Orchestrator
	Log      zerolog.Logger
	Notifier notify.Notifier
}

func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	backend, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, err
	}
	cdc, err := codec.New(cfg.Backup.Compression, cfg.Backup.Encryption, cfg.Backup.EncryptionKey)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	verifier := &verify.Verifier{
		Catalog:     cat,
		Backend:     backend,
		Codec:       cdc,
		Prefix:      cfg.Storage.Prefix,
		Concurrency: cfg.Backup.Concurrency,
		Log:         logging.Component(log, "verify"),
	}
	eng := engine.New(cfg, cat, backend, cdc, logging.Component(log, "engine"))
	if cfg.Backup.VerifyAfter {
		eng.Verifier = verifier
	}
	orch := recovery.New(cfg, cat, backend, cdc, logging.Component(log, "recovery"))

	return &App{
		Cfg:      cfg,
		Catalog:  cat,
		Backend:  backend,
		Engine:   eng,
		Verifier: verifier,
		Recovery: orch,
		Log:      log,
		Notifier: notify.FromConfig(cfg.Notifications),
	}, nil
}

// Close releases the catalog handle.
func (a *App) Close() error {
	if a.Catalog == nil {
		return nil
	}
	return a.Catalog.Close()
}

// CreateBackup runs one backup of the requested type. parentID only applies
// to incrementals and pins the expected parent.
func (a *App) CreateBackup(ctx context.Context, typ catalog.BackupType, parentID string) (*catalog.BackupRecord, error) {
	start := time.Now()
	var rec *catalog.BackupRecord
	var opErr error
	defer func() {
		a.emit("backup", fmt.Sprintf("%s backup of %s", typ, a.Cfg.Dataset.Name), start, rec, nil, opErr)
	}()

	switch typ {
	case catalog.TypeFull:
		rec, opErr = a.Engine.CreateFull(ctx)
	case catalog.TypeIncremental:
		rec, opErr = a.Engine.CreateIncremental(ctx, parentID)
	case catalog.TypeDifferential:
		rec, opErr = a.Engine.CreateDifferential(ctx, parentID)
	default:
		opErr = fmt.Errorf("unknown backup type %q", typ)
	}
	return rec, opErr
}

// Verify re-checks one record's objects.
func (a *App) Verify(ctx context.Context, recordID string) (*verify.Result, error) {
	start := time.Now()
	var res *verify.Result
	var opErr error
	defer func() {
		var rec *catalog.BackupRecord
		if res != nil {
			rec = &catalog.BackupRecord{ID: res.RecordID, Dataset: a.Cfg.Dataset.Name}
		}
		a.emit("verify", fmt.Sprintf("verification of %s", recordID), start, rec, nil, opErr)
	}()
	res, opErr = a.Verifier.VerifyRecord(ctx, recordID)
	return res, opErr
}

// StartRecovery plans and launches a recovery session.
func (a *App) StartRecovery(ctx context.Context, recordID, targetDir string, scope []string) (*catalog.RecoverySession, error) {
	return a.Recovery.Start(ctx, recordID, targetDir, scope)
}

// StartRecoveryAsOf plans a recovery of the newest verified record at or
// before the given time.
func (a *App) StartRecoveryAsOf(ctx context.Context, asOf time.Time, targetDir string, scope []string) (*catalog.RecoverySession, error) {
	return a.Recovery.StartAsOf(ctx, asOf, targetDir, scope)
}

// ResumeRecovery continues an interrupted session.
func (a *App) ResumeRecovery(ctx context.Context, sessionID string) (*catalog.RecoverySession, error) {
	return a.Recovery.Resume(ctx, sessionID)
}

// WaitRecovery blocks until the session finishes and reports the terminal
// state through the notifier.
func (a *App) WaitRecovery(ctx context.Context, sessionID string) (*catalog.RecoverySession, error) {
	start := time.Now()
	sess, err := a.Recovery.Wait(ctx, sessionID)
	if err != nil {
		return sess, err
	}
	var opErr error
	if sess.State == catalog.StateFailed {
		opErr = fmt.Errorf("%s", sess.Failure)
	}
	a.emit("recovery", fmt.Sprintf("recovery into %s finished %s", sess.TargetDir, sess.State), start, nil, sess, opErr)
	return sess, nil
}

// SessionStatus returns the current session row.
func (a *App) SessionStatus(ctx context.Context, sessionID string) (*catalog.RecoverySession, error) {
	return a.Recovery.Status(ctx, sessionID)
}

// CancelSession stops a running session at the next object boundary.
func (a *App) CancelSession(ctx context.Context, sessionID string) error {
	return a.Recovery.Cancel(ctx, sessionID)
}

// List returns the dataset's records, oldest first.
func (a *App) List(ctx context.Context) ([]*catalog.BackupRecord, error) {
	return a.Catalog.ListRecords(ctx, a.Cfg.Dataset.Name)
}

// Sessions returns the dataset's recovery sessions, newest first.
func (a *App) Sessions(ctx context.Context) ([]*catalog.RecoverySession, error) {
	return a.Catalog.ListSessions(ctx, a.Cfg.Dataset.Name)
}

// Prune applies the configured retention policy.
func (a *App) Prune(ctx context.Context) (*engine.PruneResult, error) {
	start := time.Now()
	res, err := a.Engine.Prune(ctx, a.Cfg.Retention)
	msg := "retention pass"
	if res != nil {
		msg = fmt.Sprintf("retention removed %d records, %d objects", len(res.RecordsDeleted), res.ObjectsDeleted)
	}
	a.emit("prune", msg, start, nil, nil, err)
	return res, err
}

// Stats summarizes the dataset's backup posture.
func (a *App) Stats(ctx context.Context) (*engine.Stats, error) {
	return a.Engine.Stats(ctx)
}

func (a *App) emit(typ, msg string, start time.Time, rec *catalog.BackupRecord, sess *catalog.RecoverySession, opErr error) {
	if a.Notifier == nil {
		return
	}
	event := notify.Event{
		Type:      typ,
		Message:   msg,
		Status:    statusFromErr(opErr),
		Dataset:   a.Cfg.Dataset.Name,
		StartedAt: start,
		EndedAt:   time.Now(),
		Duration:  time.Since(start).String(),
	}
	if rec != nil {
		event.RecordID = rec.ID
	}
	if sess != nil {
		event.SessionID = sess.ID
		event.Status = string(sess.State)
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	_ = a.Notifier.Notify(context.Background(), event)
}

func statusFromErr(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
