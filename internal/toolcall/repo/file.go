package repo

import (
	"bytes"
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"sync"

	errx "github.com/Chative-core-poc-v1/toolcall/internal/core/error"
	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	logx "github.com/Chative-core-poc-v1/toolcall/pkg/logger"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

const fileExt = ".state"

// FileStore keeps one object per key under baseURL on any afs backend
// (file://, mem://, s3://, gs://). Keys are base64url encoded into object
// names so ':' and '/' survive every backend.
type FileStore struct {
	fs      afs.Service
	baseURL string
	// afs uploads are not atomic on every backend; serialise writers per store
	mu sync.RWMutex
}

var _ model.StateStore = (*FileStore)(nil)

func NewFileStore(fs afs.Service, baseURL string) *FileStore {
	if fs == nil {
		fs = afs.New()
	}
	return &FileStore{fs: fs, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *FileStore) filename(key string) string {
	return url.Join(s.baseURL, base64.RawURLEncoding.EncodeToString([]byte(key))+fileExt)
}

func keyFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *FileStore) Save(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errx.InvalidArgument("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.filename(key)
	if err := s.fs.Upload(ctx, name, file.DefaultFileOsMode, bytes.NewReader(value)); err != nil {
		logx.Error().Err(err).Str("key", key).Str("url", name).Msg("failed to write state object")
		return errx.WrapStorage(err, "")
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := s.filename(key)
	ok, err := s.fs.Exists(ctx, name)
	if err != nil {
		return nil, errx.WrapStorage(err, "")
	}
	if !ok {
		return nil, errx.NotFound("key %q not found", key)
	}
	data, err := s.fs.DownloadWithURL(ctx, name)
	if err != nil {
		logx.Error().Err(err).Str("key", key).Str("url", name).Msg("failed to read state object")
		return nil, errx.WrapStorage(err, "")
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.filename(key)
	ok, err := s.fs.Exists(ctx, name)
	if err != nil {
		return errx.WrapStorage(err, "")
	}
	if !ok {
		return nil
	}
	if err := s.fs.Delete(ctx, name); err != nil {
		logx.Error().Err(err).Str("key", key).Str("url", name).Msg("failed to delete state object")
		return errx.WrapStorage(err, "")
	}
	return nil
}

func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.fs.Exists(ctx, s.filename(key))
	if err != nil {
		return false, errx.WrapStorage(err, "")
	}
	return ok, nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *FileStore) keys(ctx context.Context) ([]string, error) {
	ok, err := s.fs.Exists(ctx, s.baseURL)
	if err != nil {
		return nil, errx.WrapStorage(err, "")
	}
	if !ok {
		return []string{}, nil
	}
	objs, err := s.fs.List(ctx, s.baseURL)
	if err != nil {
		logx.Error().Err(err).Str("url", s.baseURL).Msg("failed to list state objects")
		return nil, errx.WrapStorage(err, "")
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		if o == nil || o.IsDir() {
			continue
		}
		if k, ok := keyFromName(o.Name()); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
