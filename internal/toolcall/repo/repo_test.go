package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/Chative-core-poc-v1/toolcall/pkg/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logx.Disable()
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per open DB until Close
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type storeFactory func(t *testing.T) model.StateStore

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) model.StateStore {
			return NewMemoryStore()
		},
		"redis": func(t *testing.T) model.StateStore {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisStore(rdb, "test:", 0)
		},
		"sqlite": func(t *testing.T) model.StateStore {
			ctx := context.Background()
			db, err := sqlite.Open(ctx, sqlite.Config{Path: filepath.Join(t.TempDir(), "state.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s, err := NewSQLiteStore(ctx, db)
			require.NoError(t, err)
			return s
		},
		"file": func(t *testing.T) model.StateStore {
			return NewFileStore(afs.New(), "mem://localhost/"+uuid.NewString())
		},
	}
}

func TestStateStoreContract(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			n, err := s.Size(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			_, err = s.Load(ctx, "state:missing")
			assert.ErrorIs(t, err, errx.ErrNotFound)

			ok, err := s.Exists(ctx, "state:missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Save(ctx, "state:s1", []byte(`{"a":1}`)))
			require.NoError(t, s.Save(ctx, "state:s2", []byte(`{"b":2}`)))
			require.NoError(t, s.Save(ctx, "backup:s1:100-x", []byte("gz")))
			require.NoError(t, s.Save(ctx, "backup:metadata:s1:100-x", []byte(`{}`)))

			got, err := s.Load(ctx, "state:s1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"a":1}`), got)

			require.NoError(t, s.Save(ctx, "state:s1", []byte(`{"a":2}`)))
			got, err = s.Load(ctx, "state:s1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"a":2}`), got)

			ok, err = s.Exists(ctx, "state:s2")
			require.NoError(t, err)
			assert.True(t, ok)

			keys, err := s.List(ctx, "state:")
			require.NoError(t, err)
			assert.Equal(t, []string{"state:s1", "state:s2"}, keys)

			keys, err = s.List(ctx, "backup:")
			require.NoError(t, err)
			assert.Equal(t, []string{"backup:metadata:s1:100-x", "backup:s1:100-x"}, keys)

			keys, err = s.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, keys, 4)

			n, err = s.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			require.NoError(t, s.Delete(ctx, "state:s2"))
			require.NoError(t, s.Delete(ctx, "state:s2"))
			_, err = s.Load(ctx, "state:s2")
			assert.ErrorIs(t, err, errx.ErrNotFound)

			assert.ErrorIs(t, s.Save(ctx, "", []byte("x")), errx.ErrInvalidArgument)
		})
	}
}

func TestStateStoreCopiesValues(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			value := []byte("original")
			require.NoError(t, s.Save(ctx, "k", value))
			value[0] = 'X'

			got, err := s.Load(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "original", string(got))

			got[0] = 'Y'
			again, err := s.Load(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "original", string(again))
		})
	}
}

func TestStateStoreConcurrentAccess(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("state:c%02d", i)
					payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
					assert.NoError(t, s.Save(ctx, key, payload))
					got, err := s.Load(ctx, key)
					assert.NoError(t, err)
					assert.Equal(t, payload, got)
				}(i)
			}
			wg.Wait()

			n, err := s.Size(ctx)
			require.NoError(t, err)
			assert.Equal(t, 20, n)
		})
	}
}

func TestRedisStore_Prefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	s := NewRedisStore(rdb, "toolcall:", time.Hour)
	require.NoError(t, s.Save(ctx, "state:s1", []byte("v")))
	require.NoError(t, mr.Set("other:state:s1", "foreign"))

	assert.True(t, mr.Exists("toolcall:state:s1"))
	assert.Equal(t, time.Hour, mr.TTL("toolcall:state:s1"))

	keys, err := s.List(ctx, "state:")
	require.NoError(t, err)
	assert.Equal(t, []string{"state:s1"}, keys)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStore_BackendFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	s := NewRedisStore(rdb, "", 0)

	mr.SetError("ERR simulated failure")
	assert.ErrorIs(t, s.Save(ctx, "k", []byte("v")), errx.ErrStorage)
	_, err := s.Load(ctx, "k")
	assert.ErrorIs(t, err, errx.ErrStorage)
	_, err = s.List(ctx, "")
	assert.ErrorIs(t, err, errx.ErrStorage)
	mr.SetError("")

	assert.NoError(t, s.Save(ctx, "k", []byte("v")))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `state:a\*b\?\[c\]`, escapeGlob("state:a*b?[c]"))
}

func TestFileStore_KeyEncoding(t *testing.T) {
	name := NewFileStore(nil, "mem://localhost/x/").filename("backup:metadata:s/1:2")
	assert.Equal(t, "mem://localhost/x/", name[:len("mem://localhost/x/")])

	key, ok := keyFromName(filepath.Base(name))
	require.True(t, ok)
	assert.Equal(t, "backup:metadata:s/1:2", key)

	_, ok = keyFromName("README.md")
	assert.False(t, ok)
}
