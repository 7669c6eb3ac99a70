package persistence

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
)

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// BackupResult reports a new backup.
type BackupResult struct {
	Success bool                 `json:"success"`
	Backup  model.BackupMetadata `json:"backup"`
	Pruned  int                  `json:"pruned"`
	Elapsed time.Duration        `json:"elapsed"`
	Errors  []string             `json:"errors,omitempty"`
}

// BackupSessionState copies the current state of a session into a new
// compressed backup. Older backups are kept unless a retention limit is set.
func (p *Persistence) BackupSessionState(ctx context.Context, sessionID string) (BackupResult, error) {
	start := time.Now()
	var res BackupResult
	fail := func(err error) (BackupResult, error) {
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		return res, err
	}
	if sessionID == "" {
		return fail(errx.InvalidArgument("session id is required"))
	}

	ctx, cancel := p.budget(ctx)
	defer cancel()

	key := model.StateKey(sessionID)
	raw, err := p.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return fail(errx.NotFound("no state to back up for session %q", sessionID))
		}
		return fail(storeErr(ctx, "backup session state", err))
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("refusing to back up corrupted session state")
		return fail(errx.NotFound("no valid state to back up for session %q", sessionID))
	}

	packed, err := compress(raw)
	if err != nil {
		return fail(errx.WrapStorage(err, "compress backup"))
	}
	meta := model.BackupMetadata{
		BackupID:   p.newID(),
		SessionID:  sessionID,
		Timestamp:  p.clock(),
		StateCount: rec.Snapshot.TotalCalls,
		SizeBytes:  int64(len(packed)),
		Checksum:   checksum(raw),
	}
	if len(packed) > 0 {
		meta.CompressionRatio = float64(len(raw)) / float64(len(packed))
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fail(errx.WrapStorage(err, "encode backup metadata"))
	}

	if err := p.store.Save(ctx, model.BackupKey(sessionID, meta.BackupID), packed); err != nil {
		return fail(storeErr(ctx, "backup session state", err))
	}
	if err := p.store.Save(ctx, model.BackupMetadataKey(sessionID, meta.BackupID), metaData); err != nil {
		_ = p.store.Delete(ctx, model.BackupKey(sessionID, meta.BackupID))
		return fail(storeErr(ctx, "backup session state", err))
	}
	res.Backup = meta

	if p.retention > 0 {
		pruned, err := p.prune(ctx, sessionID)
		res.Pruned = pruned
		if err != nil {
			return fail(err)
		}
	}

	res.Success = true
	res.Elapsed = time.Since(start)
	logx.Info().
		Str("session_id", sessionID).
		Str("backup_id", meta.BackupID).
		Int64("size_bytes", meta.SizeBytes).
		Float64("compression_ratio", meta.CompressionRatio).
		Msg("session state backed up")
	return res, nil
}

func (p *Persistence) prune(ctx context.Context, sessionID string) (int, error) {
	backups, err := p.listBackups(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(backups) <= p.retention {
		return 0, nil
	}
	pruned := 0
	for _, meta := range backups[p.retention:] {
		if err := p.deleteBackup(ctx, meta); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (p *Persistence) deleteBackup(ctx context.Context, meta model.BackupMetadata) error {
	if err := p.store.Delete(ctx, model.BackupKey(meta.SessionID, meta.BackupID)); err != nil {
		return storeErr(ctx, "delete backup", err)
	}
	if err := p.store.Delete(ctx, model.BackupMetadataKey(meta.SessionID, meta.BackupID)); err != nil {
		return storeErr(ctx, "delete backup", err)
	}
	return nil
}

// ListBackups returns backups of one session, or of every session when
// sessionID is empty, newest first.
func (p *Persistence) ListBackups(ctx context.Context, sessionID string) ([]model.BackupMetadata, error) {
	ctx, cancel := p.budget(ctx)
	defer cancel()
	return p.listBackups(ctx, sessionID)
}

func (p *Persistence) listBackups(ctx context.Context, sessionID string) ([]model.BackupMetadata, error) {
	keys, err := p.store.List(ctx, model.BackupMetadataPrefix(sessionID))
	if err != nil {
		return nil, storeErr(ctx, "list backups", err)
	}
	out := make([]model.BackupMetadata, 0, len(keys))
	for _, key := range keys {
		sid, bid, ok := model.ParseBackupMetadataKey(key)
		// "backup:metadata:s1:" also prefixes the keys of session "s1:x"
		if !ok || (sessionID != "" && sid != sessionID) {
			continue
		}
		data, err := p.store.Load(ctx, key)
		if err != nil {
			if errors.Is(err, errx.ErrNotFound) {
				continue
			}
			return nil, storeErr(ctx, "list backups", err)
		}
		var meta model.BackupMetadata
		if err := json.Unmarshal(data, &meta); err != nil || meta.BackupID != bid || meta.SessionID != sid {
			logx.Warn().Str("key", key).Msg("skipping unreadable backup metadata")
			continue
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].BackupID > out[j].BackupID
	})
	return out, nil
}

// RestoreResult reports a restore.
type RestoreResult struct {
	Success   bool                  `json:"success"`
	SessionID string                `json:"session_id"`
	BackupID  string                `json:"backup_id,omitempty"`
	Snapshot  *model.Snapshot       `json:"snapshot,omitempty"`
	Metrics   *model.SessionMetrics `json:"metrics,omitempty"`
	Elapsed   time.Duration         `json:"elapsed"`
	Errors    []string              `json:"errors,omitempty"`
}

// RestoreSessionState replaces the current state of a session with one of
// its backups: the newest one, or the newest taken at or before
// opts.TargetTimestamp.
func (p *Persistence) RestoreSessionState(ctx context.Context, sessionID string, opts model.RestoreOptions) (RestoreResult, error) {
	start := time.Now()
	res := RestoreResult{SessionID: sessionID}
	fail := func(err error) (RestoreResult, error) {
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		return res, err
	}
	if sessionID == "" {
		return fail(errx.InvalidArgument("session id is required"))
	}

	ctx, cancel := p.budget(ctx)
	defer cancel()

	backups, err := p.listBackups(ctx, sessionID)
	if err != nil {
		return fail(err)
	}
	if len(backups) == 0 {
		return fail(errx.NotFound("no backups for session %q", sessionID))
	}
	chosen, ok := pick(backups, opts.TargetTimestamp)
	if !ok {
		return fail(errx.NotFound("no backup of session %q at or before %s", sessionID, opts.TargetTimestamp.Format(time.RFC3339Nano)))
	}
	res.BackupID = chosen.BackupID

	packed, err := p.store.Load(ctx, model.BackupKey(sessionID, chosen.BackupID))
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return fail(errx.NotFound("backup %q of session %q has no payload", chosen.BackupID, sessionID))
		}
		return fail(storeErr(ctx, "restore session state", err))
	}
	raw, err := decompress(packed)
	if err != nil {
		return fail(errx.WrapStorage(fmt.Errorf("backup %s: %w", chosen.BackupID, err), "corrupted backup"))
	}
	if opts.ValidateIntegrity {
		if sum := checksum(raw); sum != chosen.Checksum {
			return fail(errx.WrapStorage(fmt.Errorf("backup %s checksum mismatch", chosen.BackupID), "corrupted backup"))
		}
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return fail(errx.WrapStorage(fmt.Errorf("backup %s: %w", chosen.BackupID, err), "corrupted backup"))
	}

	current, err := encodeRecord(sessionID, rec.Snapshot, rec.Metrics, p.clock())
	if err != nil {
		return fail(errx.WrapStorage(err, "encode restored state"))
	}
	if err := p.store.Save(ctx, model.StateKey(sessionID), current); err != nil {
		return fail(storeErr(ctx, "restore session state", err))
	}

	res.Success = true
	res.Snapshot = rec.Snapshot
	res.Metrics = rec.Metrics
	res.Elapsed = time.Since(start)
	logx.Info().
		Str("session_id", sessionID).
		Str("backup_id", chosen.BackupID).
		Time("backup_time", chosen.Timestamp).
		Msg("session state restored from backup")
	return res, nil
}

// pick expects backups newest first.
func pick(backups []model.BackupMetadata, target *time.Time) (model.BackupMetadata, bool) {
	if target == nil {
		return backups[0], true
	}
	for _, b := range backups {
		if !b.Timestamp.After(*target) {
			return b, true
		}
	}
	return model.BackupMetadata{}, false
}
