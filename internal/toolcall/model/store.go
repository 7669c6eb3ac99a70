package model

import (
	"context"
	"fmt"
	"strings"
)

// StateStore is the key/value contract behind State Persistence. Values are
// opaque bytes. Implementations must copy on Save and Load so that no caller
// can mutate stored data through an alias, and each operation must be atomic
// per key.
type StateStore interface {
	// Save writes value under key, replacing any previous value
	Save(ctx context.Context, key string, value []byte) error

	// Load returns the value under key or an errx NotFound error
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys starting with prefix in ascending order
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the number of stored keys
	Size(ctx context.Context) (int, error)
}

const (
	StateKeyPrefix          = "state:"
	BackupKeyPrefix         = "backup:"
	BackupMetadataKeyPrefix = "backup:metadata:"
)

func StateKey(sessionID string) string {
	return StateKeyPrefix + sessionID
}

func BackupKey(sessionID, backupID string) string {
	return fmt.Sprintf("%s%s:%s", BackupKeyPrefix, sessionID, backupID)
}

func BackupMetadataKey(sessionID, backupID string) string {
	return fmt.Sprintf("%s%s:%s", BackupMetadataKeyPrefix, sessionID, backupID)
}

// BackupMetadataPrefix returns the list prefix for one session's backup
// metadata, or for every session when sessionID is empty.
func BackupMetadataPrefix(sessionID string) string {
	if sessionID == "" {
		return BackupMetadataKeyPrefix
	}
	return BackupMetadataKeyPrefix + sessionID + ":"
}

// SessionFromStateKey extracts the session id from a state key.
func SessionFromStateKey(key string) (string, bool) {
	if !strings.HasPrefix(key, StateKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, StateKeyPrefix), true
}

// ParseBackupMetadataKey splits a metadata key into session and backup ids.
// Backup ids never contain ':' so the last separator is authoritative.
func ParseBackupMetadataKey(key string) (sessionID, backupID string, ok bool) {
	if !strings.HasPrefix(key, BackupMetadataKeyPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, BackupMetadataKeyPrefix)
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
