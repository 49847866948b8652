// Package ddenabled implements the process-wide DD-enabled tri-state:
// whether the distributor is allowed to run at all, and the two
// mutually-exclusive single-owner latches (snapshot prep, blob-restore
// prep) that gate administrative operations. Modeled on the
// single-writer, compare-and-set style every mutator in
// placementdriver/internal/fsm.go uses under its own mutex.
package ddenabled

import "sync"

// State is the DD-enabled tri-state. The zero value is disabled with no
// owners, matching a freshly booted process before it has read durable
// configuration.
type State struct {
	mu sync.Mutex

	enabled bool

	snapshotOwner     string
	blobRestoreOwner  string
}

// New returns a State with the given initial enabled flag.
func New(enabled bool) *State {
	return &State{enabled: enabled}
}

// Enabled reports the current DD-enabled flag.
func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled updates the DD-enabled flag. Used when durable configuration
// changes are observed (e.g. an operator toggles DD off).
func (s *State) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// TryBeginSnapshotPrep attempts to latch snapshot-preparing under owner.
// Succeeds if no owner holds the latch, the caller already holds it
// (idempotent re-entry), and blob-restore prep is not in progress under a
// different owner.
func (s *State) TryBeginSnapshotPrep(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blobRestoreOwner != "" && s.blobRestoreOwner != owner {
		return false
	}
	if s.snapshotOwner != "" && s.snapshotOwner != owner {
		return false
	}
	s.snapshotOwner = owner
	return true
}

// EndSnapshotPrep releases the snapshot-preparing latch if owner holds it.
func (s *State) EndSnapshotPrep(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshotOwner == owner {
		s.snapshotOwner = ""
	}
}

// PrepResult distinguishes why a blob-restore prep attempt failed, so
// callers can report which latch is held against the caller.
type PrepResult int

const (
	PrepOK PrepResult = iota
	PrepConflictSnapshot
	PrepConflictBlobRestore
)

// TryBeginBlobRestorePrep is the blob-restore analogue of
// TryBeginSnapshotPrep; the two latches cross-exclude each other. Unlike
// TryBeginSnapshotPrep it reports which latch caused a conflict, since
// callers need to distinguish CONFLICT_SNAPSHOT from
// CONFLICT_BLOB_RESTORE in their reply.
func (s *State) TryBeginBlobRestorePrep(owner string) PrepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshotOwner != "" && s.snapshotOwner != owner {
		return PrepConflictSnapshot
	}
	if s.blobRestoreOwner != "" && s.blobRestoreOwner != owner {
		return PrepConflictBlobRestore
	}
	s.blobRestoreOwner = owner
	return PrepOK
}

// EndBlobRestorePrep releases the blob-restore-preparing latch if owner
// holds it.
func (s *State) EndBlobRestorePrep(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobRestoreOwner == owner {
		s.blobRestoreOwner = ""
	}
}

// SnapshotOwner returns the current snapshot-preparing owner, or "" if
// none.
func (s *State) SnapshotOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotOwner
}

// BlobRestoreOwner returns the current blob-restore-preparing owner, or ""
// if none.
func (s *State) BlobRestoreOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobRestoreOwner
}
