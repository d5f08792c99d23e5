package sync

import "github.com/marcus/tandem/internal/models"

// ConflictResolver decides what happens when a pulled record meets a local
// record that still has unpushed changes.
//
// Resolve returns the record to store and whether the local version wins.
// When keepLocal is true the merged value is stored but stays pending so it
// is pushed on this cycle; otherwise it is stored as synced.
type ConflictResolver interface {
	Resolve(local, remote models.Record) (merged models.Record, keepLocal bool)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(local, remote models.Record) (models.Record, bool)

func (f ResolverFunc) Resolve(local, remote models.Record) (models.Record, bool) {
	return f(local, remote)
}

// LastWriteWins keeps whichever side has the newer updated_at. Ties go to
// the remote so every device converges on the same value.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(local, remote models.Record) (models.Record, bool) {
	if local.UpdatedAt > remote.UpdatedAt {
		return local, true
	}
	return remote, false
}
