package storage

import (
	"errors"
	"fmt"
)

// MergeError reports that the backing adapter rejected a merge batch.
// The fork's state is untouched on master; the caller discards the fork.
type MergeError struct {
	// Store is the store whose batch failed, when attributable.
	Store string
	Err   error
}

func (e *MergeError) Error() string {
	if e.Store != "" {
		return fmt.Sprintf("merge failed for store %q: %v", e.Store, e.Err)
	}
	return fmt.Sprintf("merge failed: %v", e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// IsMergeError reports whether err is (or wraps) a MergeError.
func IsMergeError(err error) bool {
	var me *MergeError
	return errors.As(err, &me)
}

// ErrForkMerged is returned when a fork is written to or merged again after
// a successful merge. A fork's lifetime ends at merge.
var ErrForkMerged = errors.New("fork already merged")
