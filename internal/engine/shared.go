package engine

import "sync"

var (
	sharedMu sync.Mutex
	shared   *Engine
)

// SetShared installs e as the process-wide engine. The previous engine is
// closed first, so its store listener and lifecycle observer are gone
// before e takes over. Passing the installed engine again is a no-op.
func SetShared(e *Engine) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == e {
		return
	}
	if shared != nil {
		_ = shared.Close()
	}
	shared = e
	if e != nil {
		// Re-register in case the previous engine shared our store.
		e.attach()
	}
}

// Shared returns the process-wide engine, or nil.
func Shared() *Engine {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	return shared
}

// CloseShared closes and uninstalls the process-wide engine.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}
