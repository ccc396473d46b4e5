package engine

import "sync"

// LifecycleObserver receives application foreground/background transitions.
type LifecycleObserver interface {
	OnForeground()
	OnBackground()
}

// Lifecycle fans application lifecycle transitions out to observers.
//
// Thread-safety: Lifecycle is safe for concurrent use. Observers are called
// without the lock held.
type Lifecycle struct {
	mu        sync.Mutex
	next      int
	observers map[int]LifecycleObserver
}

// NewLifecycle creates an empty Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{observers: make(map[int]LifecycleObserver)}
}

// Observe registers o and returns a func that unregisters it.
func (l *Lifecycle) Observe(o LifecycleObserver) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	l.observers[id] = o

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.observers, id)
		})
	}
}

// Len returns the number of registered observers.
func (l *Lifecycle) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observers)
}

// Foreground notifies observers that the application came to the foreground.
func (l *Lifecycle) Foreground() {
	for _, o := range l.snapshot() {
		o.OnForeground()
	}
}

// Background notifies observers that the application went to the background.
func (l *Lifecycle) Background() {
	for _, o := range l.snapshot() {
		o.OnBackground()
	}
}

func (l *Lifecycle) snapshot() []LifecycleObserver {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LifecycleObserver, 0, len(l.observers))
	for _, o := range l.observers {
		out = append(out, o)
	}
	return out
}

// lifecycleObserver switches the cache TTL and sweeps on foreground.
type lifecycleObserver struct {
	e *Engine
}

func (o lifecycleObserver) OnForeground() {
	o.e.inBackground.Store(false)
	o.e.triggerSweep("foreground")
}

func (o lifecycleObserver) OnBackground() {
	o.e.inBackground.Store(true)
}
