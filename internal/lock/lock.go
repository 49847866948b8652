// Package lock defines the move-keys fencing token. Every durable mutation
// of shard-placement metadata must carry one; losing it ends a supervisor
// generation. Modeled on the fencing idiom implied by
// placementdriver/internal/raft's lock-free single-writer Raft term, here
// made explicit as an owner+write-version tuple stored in the external
// transactional store.
package lock

import "fmt"

// MoveKeysLock is a fenced token. MyOwner is the id this process took the
// lock under; PrevOwner/PrevWrite record what was previously stored, so a
// caller can detect that somebody else raced a lock acquisition.
type MoveKeysLock struct {
	MyOwner   string
	PrevOwner string
	PrevWrite int64
}

// String renders the lock for logging, with MyOwner, PrevOwner and
// PrevWrite printed in full.
func (l MoveKeysLock) String() string {
	return fmt.Sprintf("lock(owner=%s, prevOwner=%s, prevWrite=%d)", l.MyOwner, l.PrevOwner, l.PrevWrite)
}
