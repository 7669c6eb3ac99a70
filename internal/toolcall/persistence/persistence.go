package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/google/uuid"
)

// Persistence serialises session snapshots and metrics into a StateStore
// and maintains checksummed, compressed backups next to them.
type Persistence struct {
	store     model.StateStore
	timeout   time.Duration
	retention int
	maxAge    time.Duration
	now       func() time.Time
	newID     func() string
}

// Option configures Persistence.
type Option func(*Persistence)

// WithConfig applies an env-loaded PersistenceConfig.
func WithConfig(cfg model.PersistenceConfig) Option {
	return func(p *Persistence) {
		if cfg.OperationTimeout > 0 {
			p.timeout = cfg.OperationTimeout
		}
		if cfg.BackupRetention >= 0 {
			p.retention = cfg.BackupRetention
		}
		if cfg.MaxStateAge > 0 {
			p.maxAge = cfg.MaxStateAge
		}
	}
}

// WithOperationTimeout bounds every store round trip of one operation.
func WithOperationTimeout(d time.Duration) Option {
	return func(p *Persistence) {
		p.timeout = d
	}
}

// WithBackupRetention keeps only the newest n backups per session; 0 keeps all.
func WithBackupRetention(n int) Option {
	return func(p *Persistence) {
		if n >= 0 {
			p.retention = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Persistence) {
		if now != nil {
			p.now = now
		}
	}
}

// New wraps store.
func New(store model.StateStore, opts ...Option) *Persistence {
	p := &Persistence{
		store:   store,
		timeout: model.DefaultPersistenceOperationTimeout,
		maxAge:  7 * 24 * time.Hour,
		now:     time.Now,
	}
	p.newID = func() string {
		return fmt.Sprintf("%d-%s", p.clock().UnixMilli(), uuid.NewString())
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxStateAge is the configured age after which periodic cleanup drops states.
func (p *Persistence) MaxStateAge() time.Duration {
	return p.maxAge
}

func (p *Persistence) clock() time.Time {
	return p.now().UTC().Round(0)
}

func (p *Persistence) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// storeErr maps a store failure, preferring the deadline when the budget ran out.
func storeErr(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errx.FromContext(ctx.Err(), op)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errx.FromContext(err, op)
	}
	return errx.WrapStorage(err, "")
}

// SaveResult reports a state write.
type SaveResult struct {
	Success      bool          `json:"success"`
	SessionID    string        `json:"session_id"`
	BytesWritten int64         `json:"bytes_written"`
	Elapsed      time.Duration `json:"elapsed"`
	Errors       []string      `json:"errors,omitempty"`
}

// SaveSessionState writes the current state record of a session, replacing
// the previous one.
func (p *Persistence) SaveSessionState(ctx context.Context, sessionID string, snapshot *model.Snapshot, metrics *model.SessionMetrics) (SaveResult, error) {
	start := time.Now()
	res := SaveResult{SessionID: sessionID}
	fail := func(err error) (SaveResult, error) {
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		return res, err
	}

	if sessionID == "" {
		return fail(errx.InvalidArgument("session id is required"))
	}
	if snapshot == nil {
		return fail(errx.InvalidArgument("snapshot is required"))
	}
	if snapshot.SessionID != "" && snapshot.SessionID != sessionID {
		return fail(errx.InvalidArgument("snapshot belongs to session %q, not %q", snapshot.SessionID, sessionID))
	}

	snap := snapshot.Clone()
	snap.SessionID = sessionID
	data, err := encodeRecord(sessionID, snap, metrics.Clone(), p.clock())
	if err != nil {
		return fail(errx.InvalidArgument("encode state: %v", err))
	}

	ctx, cancel := p.budget(ctx)
	defer cancel()
	key := model.StateKey(sessionID)
	if err := p.store.Save(ctx, key, data); err != nil {
		err = storeErr(ctx, "save session state", err)
		logx.Error().Err(err).Str("session_id", sessionID).Str("key", key).Msg("failed to save session state")
		return fail(err)
	}

	res.Success = true
	res.BytesWritten = int64(len(data))
	res.Elapsed = time.Since(start)
	logx.Debug().
		Str("session_id", sessionID).
		Int64("bytes", res.BytesWritten).
		Dur("elapsed", res.Elapsed).
		Msg("session state saved")
	return res, nil
}

// LoadSessionState returns the stored snapshot and metrics of a session.
// Unknown and corrupted records both yield (nil, nil, nil); only a failing
// store produces an error.
func (p *Persistence) LoadSessionState(ctx context.Context, sessionID string) (*model.Snapshot, *model.SessionMetrics, error) {
	if sessionID == "" {
		return nil, nil, errx.InvalidArgument("session id is required")
	}
	ctx, cancel := p.budget(ctx)
	defer cancel()

	rec, err := p.loadRecord(ctx, sessionID)
	if err != nil || rec == nil {
		return nil, nil, err
	}
	return rec.Snapshot, rec.Metrics, nil
}

func (p *Persistence) loadRecord(ctx context.Context, sessionID string) (*record, error) {
	key := model.StateKey(sessionID)
	data, err := p.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, errx.ErrNotFound) {
			return nil, nil
		}
		err = storeErr(ctx, "load session state", err)
		logx.Error().Err(err).Str("session_id", sessionID).Str("key", key).Msg("failed to load session state")
		return nil, err
	}
	rec, err := decodeRecord(data)
	if err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Str("key", key).Msg("discarding corrupted session state")
		return nil, nil
	}
	if rec.SessionID != sessionID {
		logx.Warn().Str("session_id", sessionID).Str("stored_session_id", rec.SessionID).Msg("discarding session state stored under a foreign key")
		return nil, nil
	}
	return rec, nil
}

// DeleteSessionState removes the current state of a session. Backups stay.
func (p *Persistence) DeleteSessionState(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errx.InvalidArgument("session id is required")
	}
	ctx, cancel := p.budget(ctx)
	defer cancel()
	if err := p.store.Delete(ctx, model.StateKey(sessionID)); err != nil {
		return storeErr(ctx, "delete session state", err)
	}
	return nil
}

// GetStorageStats summarises the stored current states.
func (p *Persistence) GetStorageStats(ctx context.Context) (model.StorageStats, error) {
	var stats model.StorageStats
	ctx, cancel := p.budget(ctx)
	defer cancel()

	keys, err := p.store.List(ctx, model.StateKeyPrefix)
	if err != nil {
		return stats, storeErr(ctx, "storage stats", err)
	}
	for _, key := range keys {
		data, err := p.store.Load(ctx, key)
		if err != nil {
			if errors.Is(err, errx.ErrNotFound) {
				continue
			}
			return stats, storeErr(ctx, "storage stats", err)
		}
		stats.TotalSessions++
		stats.TotalBytes += int64(len(data))
		rec, err := decodeRecord(data)
		if err != nil {
			continue
		}
		if stats.OldestState == nil || rec.SavedAt.Before(*stats.OldestState) {
			saved := rec.SavedAt
			stats.OldestState = &saved
		}
	}
	return stats, nil
}

// CleanupResult reports what CleanupExpiredStates removed.
type CleanupResult struct {
	Success        bool          `json:"success"`
	StatesRemoved  int           `json:"states_removed"`
	BackupsRemoved int           `json:"backups_removed"`
	BytesFreed     int64         `json:"bytes_freed"`
	Elapsed        time.Duration `json:"elapsed"`
	Errors         []string      `json:"errors,omitempty"`
}

// CleanupExpiredStates removes current states saved and backups taken at
// least maxAge ago. The first store failure aborts the sweep and is returned.
func (p *Persistence) CleanupExpiredStates(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	start := time.Now()
	var res CleanupResult
	fail := func(err error) (CleanupResult, error) {
		logx.Error().Err(err).Int("states_removed", res.StatesRemoved).Int("backups_removed", res.BackupsRemoved).Msg("state cleanup failed")
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		return res, err
	}
	if maxAge < 0 {
		return fail(errx.InvalidArgument("max age must not be negative"))
	}
	cutoff := p.clock().Add(-maxAge)

	ctx, cancel := p.budget(ctx)
	defer cancel()

	keys, err := p.store.List(ctx, model.StateKeyPrefix)
	if err != nil {
		return fail(storeErr(ctx, "cleanup states", err))
	}
	for _, key := range keys {
		data, err := p.store.Load(ctx, key)
		if err != nil {
			if errors.Is(err, errx.ErrNotFound) {
				continue
			}
			return fail(storeErr(ctx, "cleanup states", err))
		}
		rec, err := decodeRecord(data)
		if err != nil || rec.SavedAt.After(cutoff) {
			continue
		}
		if err := p.store.Delete(ctx, key); err != nil {
			return fail(storeErr(ctx, "cleanup states", err))
		}
		res.StatesRemoved++
		res.BytesFreed += int64(len(data))
	}

	backups, err := p.listBackups(ctx, "")
	if err != nil {
		return fail(err)
	}
	for _, meta := range backups {
		if meta.Timestamp.After(cutoff) {
			continue
		}
		if err := p.deleteBackup(ctx, meta); err != nil {
			return fail(err)
		}
		res.BackupsRemoved++
		res.BytesFreed += meta.SizeBytes
	}

	res.Success = true
	res.Elapsed = time.Since(start)
	if res.StatesRemoved+res.BackupsRemoved > 0 {
		logx.Info().
			Int("states_removed", res.StatesRemoved).
			Int("backups_removed", res.BackupsRemoved).
			Int64("bytes_freed", res.BytesFreed).
			Msg("expired session states cleaned")
	}
	return res, nil
}

// record is the checksummed body of a stored session state.
type record struct {
	SessionID string                `json:"session_id"`
	Snapshot  *model.Snapshot       `json:"snapshot"`
	Metrics   *model.SessionMetrics `json:"metrics,omitempty"`
	SavedAt   time.Time             `json:"saved_at"`
}

// envelope is what lands in the store. The checksum covers the exact payload
// bytes, so decoding never depends on re-encoding producing the same JSON.
type envelope struct {
	Payload  json.RawMessage `json:"payload"`
	Checksum string          `json:"checksum"`
}

func encodeRecord(sessionID string, snap *model.Snapshot, metrics *model.SessionMetrics, savedAt time.Time) ([]byte, error) {
	body, err := json.Marshal(record{SessionID: sessionID, Snapshot: snap, Metrics: metrics, SavedAt: savedAt})
	if err != nil {
		return nil, fmt.Errorf("encode state record: %w", err)
	}
	return json.Marshal(envelope{Payload: body, Checksum: checksum(body)})
}

func decodeRecord(data []byte) (*record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode state record: %w", err)
	}
	if sum := checksum(env.Payload); sum != env.Checksum {
		return nil, fmt.Errorf("state record checksum mismatch: stored %q, computed %q", env.Checksum, sum)
	}
	var rec record
	if err := json.Unmarshal(env.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode state payload: %w", err)
	}
	if rec.Snapshot == nil {
		return nil, errors.New("state record has no snapshot")
	}
	return &rec, nil
}
