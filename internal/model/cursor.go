package model

import "time"

// SyncCursor holds the sync position for one subscribed resource. Each
// resource's cursor is an independent value with its own lifecycle:
// created on first subscribe, refreshed on every successful pull, and
// rebuilt from a full resync when the provider reports it invalid.
type SyncCursor struct {
	Resource       string
	DeltaToken     string
	SubscriptionID string
	ExpiresAt      time.Time
	UpdatedAt      time.Time
}
