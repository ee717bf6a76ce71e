package pipeline

import "sync"

// EmojiSet is the shared shortcode mapping loops consult during
// extraction. The snapshot refresher replaces it wholesale; loops read
// a consistent copy per cycle.
type EmojiSet struct {
	mu     sync.RWMutex
	emojis map[string]string
}

func NewEmojiSet() *EmojiSet {
	return &EmojiSet{emojis: make(map[string]string)}
}

// Replace swaps in a fresh snapshot.
func (e *EmojiSet) Replace(emojis map[string]string) {
	copied := make(map[string]string, len(emojis))
	for k, v := range emojis {
		copied[k] = v
	}
	e.mu.Lock()
	e.emojis = copied
	e.mu.Unlock()
}

// Snapshot returns the current mapping. The returned map must not be
// mutated.
func (e *EmojiSet) Snapshot() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emojis
}

// Len reports the number of known shortcodes.
func (e *EmojiSet) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.emojis)
}
