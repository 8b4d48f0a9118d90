package catalog

import "time"

type BackupType string

const (
	TypeFull         BackupType = "full"
	TypeIncremental  BackupType = "incremental"
	TypeDifferential BackupType = "differential"
)

type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusVerified   VerificationStatus = "verified"
	StatusFailed     VerificationStatus = "failed"
)

// BackupRecord is one committed backup in a chain. Immutable after commit
// except the verification fields.
type BackupRecord struct {
	ID            string
	Dataset       string
	Type          BackupType
	ParentID      string // empty for full backups
	CreatedAt     time.Time
	ManifestKey   string
	AggregateHash string
	TotalSize     int64
	FileCount     int
	Status        VerificationStatus
	VerifiedAt    *time.Time
	Failure       string // verification failure detail, kept for audit
}

// ObjectRef ties a manifest path to the stored object holding its content.
// A record owns one ref per entry it uploaded (all entries for a full backup,
// changed and added entries otherwise).
type ObjectRef struct {
	Path string
	Hash string
	Size int64
}

type SessionState string

const (
	StatePlanning            SessionState = "planning"
	StateRetrieving          SessionState = "retrieving"
	StateVerifying           SessionState = "verifying"
	StateApplying            SessionState = "applying"
	StateCompleted           SessionState = "completed"
	StateCompletedWithErrors SessionState = "completed_with_errors"
	StateFailed              SessionState = "failed"
	StateCancelled           SessionState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithErrors, StateFailed, StateCancelled:
		return true
	}
	return false
}

// RecoverySession is the durable state of one recovery attempt. The per-object
// cursor lives in SessionObject rows so retrieval survives a process restart.
type RecoverySession struct {
	ID                string
	Dataset           string
	TargetRecordID    string // record actually being restored (after fallback)
	RequestedRecordID string // record the caller asked for
	TargetDir         string
	Scope             []string // path prefixes; empty means full restore
	Chain             []string // resolved record ids, oldest first
	State             SessionState
	Failure           string
	FailedFiles       []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// FellBack reports whether chain resolution substituted a verified ancestor.
func (s *RecoverySession) FellBack() bool {
	return s.RequestedRecordID != "" && s.TargetRecordID != s.RequestedRecordID
}

type ObjectStatus string

const (
	ObjectPending   ObjectStatus = "pending"   // not requested yet
	ObjectRequested ObjectStatus = "requested" // archive retrieval in flight
	ObjectStaged    ObjectStatus = "staged"    // downloaded to the session spool
	ObjectVerified  ObjectStatus = "verified"  // staged copy matched its hash
)

// SessionObject is the retrieval cursor for one distinct content hash.
type SessionObject struct {
	SessionID string
	Hash      string
	Size      int64
	Status    ObjectStatus
	Token     string // serialized storage.RetrievalToken when requested
}
