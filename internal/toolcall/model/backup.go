package model

import "time"

// BackupMetadata describes one stored backup of a session.
type BackupMetadata struct {
	BackupID         string    `json:"backup_id"`
	SessionID        string    `json:"session_id"`
	Timestamp        time.Time `json:"timestamp"`
	StateCount       int       `json:"state_count"`
	SizeBytes        int64     `json:"size_bytes"`
	CompressionRatio float64   `json:"compression_ratio"`
	Checksum         string    `json:"checksum"`
}

// RestoreOptions selects which backup to restore.
type RestoreOptions struct {
	// TargetTimestamp restores the newest backup taken at or before it.
	TargetTimestamp *time.Time
	// ValidateIntegrity re-verifies the backup checksum before applying.
	ValidateIntegrity bool
}

// StorageStats summarises the persisted current states.
type StorageStats struct {
	TotalSessions int        `json:"total_sessions"`
	TotalBytes    int64      `json:"total_bytes"`
	OldestState   *time.Time `json:"oldest_state,omitempty"`
}
