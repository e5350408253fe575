// Package mutex runs a critical section exclusively across processes.
//
// A Mutex claims a named lock in a shared store.Store, runs the protected
// work and releases the lock on every exit path, including errors and
// panics. Contended callers poll the store at a fixed interval until they
// win, their timeout elapses or their context is done:
//
//	m := mutex.New(store.NewRedis(client))
//	n, err := mutex.Run(ctx, m, "invoices", func(ctx context.Context) (int, error) {
//		return process(ctx)
//	}, mutex.WithTimeout(5*time.Second), mutex.WithExpiresIn(time.Minute))
//	if errors.Is(err, mutexerrors.ErrTimeout) {
//		// someone else held the lock for too long; work did not run
//	}
//
// Locks created with WithExpiresIn disappear after the given duration even
// if their holder crashed. The holder is not told when that happens; keep
// the expiry comfortably longer than the work.
package mutex
