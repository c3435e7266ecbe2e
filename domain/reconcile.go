package domain

import "time"

// ReconcileJob asks for a container to be renumbered after an operation
// left it in an unknown state.
type ReconcileJob struct {
	Container  ContainerRef `json:"container"`
	Reason     string       `json:"reason,omitempty"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`

	// Set by queues that need them to acknowledge the job.
	MessageID  string `json:"-"`
	PopReceipt string `json:"-"`
}
