package cluster

import "errors"

var (
	// ErrClusterEnded aborts any retry path once the cluster reached End.
	ErrClusterEnded = errors.New("Cluster is ended.")

	// ErrConnectionClosed rejects commands submitted after the cluster
	// terminated.
	ErrConnectionClosed = errors.New("Connection is closed.")

	// ErrRefreshSlotsFailed is reported when every candidate node failed to
	// serve the slot layout.
	ErrRefreshSlotsFailed = errors.New("Failed to refresh slots cache.")

	// ErrClusterDisconnected aborts a topology refresh that observes the End
	// status mid-loop.
	ErrClusterDisconnected = errors.New("Cluster is disconnected.")

	// ErrNoStartupNodes is the terminal failure of a connect attempt, and the
	// error every offline-queued command is flushed with on End.
	ErrNoStartupNodes = errors.New("None of startup nodes is available")

	// ErrAlreadyConnecting rejects Connect while a connection attempt is
	// already underway or established.
	ErrAlreadyConnecting = errors.New("Redis is already connecting/connected")

	// ErrNoSubscriber rejects subscriber-mode commands when no subscriber
	// connection exists.
	ErrNoSubscriber = errors.New("No subscriber for the cluster")

	// ErrOfflineQueueDisabled rejects commands submitted before ready when
	// offline buffering is turned off.
	ErrOfflineQueueDisabled = errors.New("Cluster isn't ready and enableOfflineQueue options is false")

	// ErrOfflineQueueFull rejects commands once the offline buffer hit its cap.
	ErrOfflineQueueFull = errors.New("offline queue is full")

	// ErrInvalidStartupNodes rejects a connect attempt with an empty seed list.
	ErrInvalidStartupNodes = errors.New("`startupNodes` should contain at least one node")
)
