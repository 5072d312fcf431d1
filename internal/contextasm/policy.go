package contextasm

import "github.com/ashita-ai/machi/internal/model"

// CompactionPolicy decides how much conversation history reaches the
// model. Long-context strategies such as summarisation plug in here.
// Implementations must be pure: the same input yields the same output.
type CompactionPolicy interface {
	// Fetch is how many recent messages to load.
	Fetch() int
	// Compact trims or rewrites the loaded history, oldest first.
	Compact(history []model.Message) []model.Message
}

// RecentWindow keeps the last Size messages unchanged.
type RecentWindow struct {
	Size int
}

// Fetch implements CompactionPolicy.
func (w RecentWindow) Fetch() int {
	if w.Size <= 0 {
		return 50
	}
	return w.Size
}

// Compact implements CompactionPolicy.
func (w RecentWindow) Compact(history []model.Message) []model.Message {
	if n := w.Fetch(); len(history) > n {
		return history[len(history)-n:]
	}
	return history
}
