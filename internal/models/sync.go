package models

import "time"

// SyncStatusType is the externally visible sync engine state
type SyncStatusType string

const (
	SyncStatusOffline SyncStatusType = "offline"
	SyncStatusIdle    SyncStatusType = "idle"
	SyncStatusSyncing SyncStatusType = "syncing"
	SyncStatusSuccess SyncStatusType = "success"
	SyncStatusError   SyncStatusType = "error"
)

// SyncTrigger records what started a reconciliation pass
type SyncTrigger string

const (
	TriggerManual       SyncTrigger = "manual"
	TriggerPeriodic     SyncTrigger = "periodic"
	TriggerConnectivity SyncTrigger = "connectivity"
	TriggerStartup      SyncTrigger = "startup"
)

// SyncStatus is the snapshot republished on every engine transition
type SyncStatus struct {
	Type         SyncStatusType `json:"type"`
	Message      string         `json:"message,omitempty"`
	Online       bool           `json:"online"`
	PendingCount int            `json:"pendingCount"`
	LastResult   *SyncResult    `json:"lastResult,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SyncResult summarises one reconciliation pass
type SyncResult struct {
	Success   int           `json:"success"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Details   []string      `json:"details"`
	Trigger   SyncTrigger   `json:"trigger"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}
