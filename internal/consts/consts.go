package consts

const (
	// BoardEventsChannel carries relayed board events between instances.
	BoardEventsChannel = "board-stream:events"
	// ContainerLockKeyPrefix prefixes distributed container locks.
	ContainerLockKeyPrefix = "board-stream:lock:"
	// MutationDedupeKeyPrefix prefixes gateway idempotency keys.
	MutationDedupeKeyPrefix = "board-stream:mutation:"
	// ReconcileQueueName is the default reconciliation queue.
	ReconcileQueueName = "board-reconcile"
	// PositionsTableName is the default item positions table.
	PositionsTableName = "BoardItems"
)
