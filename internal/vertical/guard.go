package vertical

import (
	"sync"
	"sync/atomic"
)

// editGuard marks the span in which a handler edits its own document, so
// change events raised by those edits are not taken for user edits.
//
// Suppression relies on the document raising change events synchronously
// from inside ApplyEdit, as editor.MemDocument does. A user edit that lands
// while the guard is held is not tracked.
type editGuard struct {
	depth atomic.Int32
}

// acquire suppresses tracking until the returned release is called. Release
// is idempotent, so it is safe to defer.
func (g *editGuard) acquire() (release func()) {
	g.depth.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { g.depth.Add(-1) })
	}
}

func (g *editGuard) held() bool {
	return g.depth.Load() > 0
}
