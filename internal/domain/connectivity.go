package domain

import "time"

type ConnectivityState string

const (
	StateOffline       ConnectivityState = "offline"
	StateOnline        ConnectivityState = "online"
	StateAuthenticated ConnectivityState = "authenticated"
)

type Transition struct {
	From ConnectivityState `json:"from"`
	To   ConnectivityState `json:"to"`
	At   time.Time         `json:"at"`
}

type SyncStatus struct {
	Connectivity ConnectivityState `json:"connectivity"`
	Queue        QueueStats        `json:"queue"`
	LastDrain    time.Time         `json:"last_drain,omitempty"`
}
