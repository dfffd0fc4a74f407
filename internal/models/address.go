package models

import "time"

// MonitoredAddress identifies an on-chain account or contract the operator
// tracks. The set is supplied by configuration; an external management
// surface owns additions and removals.
type MonitoredAddress struct {
	Address string `json:"address" mapstructure:"address"`
	Type    string `json:"type" mapstructure:"type"`
	Label   string `json:"label,omitempty" mapstructure:"label"`
}

// SyncStatus is the per-address catch-up state. One row per monitored
// address. LastBlockNumber is the watermark: the highest block whose events
// for this address are known to be durably stored.
type SyncStatus struct {
	Address         string     `json:"address" db:"address"`
	LastBlockNumber uint64     `json:"last_block_number" db:"last_block_number"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty" db:"last_sync_time"`
	IsSyncing       bool       `json:"is_syncing" db:"is_syncing"`
}

// State reports the lifecycle position as a label. An address with no
// recorded completion time has never finished a pass.
func (s *SyncStatus) State() string {
	switch {
	case s.IsSyncing:
		return "syncing"
	case s.LastSyncTime == nil:
		return "never_synced"
	default:
		return "synced"
	}
}
