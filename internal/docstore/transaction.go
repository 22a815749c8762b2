package docstore

import (
	"context"
)

type scopeKey struct{}

// RunInTransaction runs fn in a storage transaction under the store's write lock. Calls made with
// a context from an enclosing fn join the open transaction. Change listeners run after the
// outermost transaction has committed and the lock is released. A panic in fn rolls the
// transaction back and releases the lock before it propagates.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if s.inScope(ctx) {
		return s.engine.RunInTransaction(ctx, fn)
	}

	s.writeMu.Lock()
	finished := false
	defer func() {
		if !finished {
			s.pending.rollback()
			s.notifier.Rollback()
			s.writeMu.Unlock()
		}
	}()

	scoped := context.WithValue(ctx, scopeKey{}, s)
	committed, err := s.engine.RunInTransaction(scoped, fn)
	if committed {
		s.pending.commit()
		s.notifier.Commit()
	} else {
		s.pending.rollback()
		s.notifier.Rollback()
	}
	finished = true
	s.writeMu.Unlock()

	s.notifier.Flush()
	return committed, err
}

// InTransaction reports whether ctx belongs to an open transaction of this store.
func (s *Store) InTransaction(ctx context.Context) bool {
	return s.inScope(ctx)
}

func (s *Store) inScope(ctx context.Context) bool {
	owner, _ := ctx.Value(scopeKey{}).(*Store)
	return owner == s
}
