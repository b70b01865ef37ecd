package runner

import "github.com/chromakey/chromakey/pkg/catalog"

// Progress is a point-in-time view of a run. Completed never decreases
// across the sequence of Progress calls a Notifier observes.
type Progress struct {
	// Completed is the number of tasks with a final outcome.
	Completed int64 `json:"completed"`

	// Total is the number of tasks admitted to the run.
	Total int64 `json:"total"`

	// Failed counts completed tasks whose outcome was a failure.
	Failed int64 `json:"failed"`
}

// Notifier receives run events. The runner serializes all calls, so
// implementations never see two events concurrently and never see
// TaskCompleted for a task before its TaskStarted.
type Notifier interface {
	TaskStarted(task catalog.Task)
	TaskCompleted(task catalog.Task, outcome catalog.Outcome)
	Progress(p Progress)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) TaskStarted(catalog.Task)                   {}
func (NopNotifier) TaskCompleted(catalog.Task, catalog.Outcome) {}
func (NopNotifier) Progress(Progress)                          {}
