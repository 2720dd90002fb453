package repo

import "errors"

var (
	// ErrExecution reports that the store rejected a statement, the batch as
	// a whole, or the commit. The unit of work was rolled back; the cause
	// chain keeps the classified store error (db.ErrDuplicateKey, ...).
	ErrExecution = errors.New("repo/batch: execution failed")

	// ErrRollback reports that rolling back after a failure failed too. The
	// transactional state on the server is unknown.
	ErrRollback = errors.New("repo/batch: rollback failed")
)

func IsExecution(err error) bool { return errors.Is(err, ErrExecution) }
func IsRollback(err error) bool  { return errors.Is(err, ErrRollback) }
