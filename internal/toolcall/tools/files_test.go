package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newToolset(t *testing.T) (*Toolset, map[string]tool.InvokableTool) {
	t.Helper()
	ts := NewToolset(afs.New(), "mem://localhost/"+uuid.NewString())
	byName := map[string]tool.InvokableTool{}
	for _, bt := range ts.Tools() {
		info, err := bt.Info(context.Background())
		require.NoError(t, err)
		inv, ok := bt.(tool.InvokableTool)
		require.True(t, ok, info.Name)
		byName[info.Name] = inv
	}
	return ts, byName
}

func call[T any](t *testing.T, tools map[string]tool.InvokableTool, name, args string) (T, error) {
	t.Helper()
	var out T
	raw, err := tools[name].InvokableRun(context.Background(), args)
	if err != nil {
		return out, err
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out, nil
}

func TestToolNames(t *testing.T) {
	_, tools := newToolset(t)
	assert.Len(t, tools, 5)
	for _, name := range []string{"write_file", "read_file", "list_directory", "create_directory", "delete_file"} {
		assert.Contains(t, tools, name)
	}
}

func TestWriteReadDelete(t *testing.T) {
	_, tools := newToolset(t)

	w, err := call[WriteFileOutput](t, tools, "write_file", `{"path":"docs/a.txt","content":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, WriteFileOutput{Path: "/docs/a.txt", Bytes: 5}, w)

	r, err := call[ReadFileOutput](t, tools, "read_file", `{"path":"/docs/a.txt"}`)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Content)

	d, err := call[ChangeOutput](t, tools, "delete_file", `{"path":"/docs/a.txt"}`)
	require.NoError(t, err)
	assert.True(t, d.Changed)

	d, err = call[ChangeOutput](t, tools, "delete_file", `{"path":"/docs/a.txt"}`)
	require.NoError(t, err)
	assert.False(t, d.Changed)

	_, err = call[ReadFileOutput](t, tools, "read_file", `{"path":"/docs/a.txt"}`)
	assert.ErrorContains(t, err, "not found")
}

func TestPathsStayInsideRoot(t *testing.T) {
	_, tools := newToolset(t)

	w, err := call[WriteFileOutput](t, tools, "write_file", `{"path":"../../etc/passwd","content":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", w.Path)

	_, err = call[WriteFileOutput](t, tools, "write_file", `{"path":"","content":"x"}`)
	assert.ErrorContains(t, err, "path is required")

	_, err = call[ChangeOutput](t, tools, "delete_file", `{"path":"/"}`)
	assert.Error(t, err)
}

func TestDirectories(t *testing.T) {
	_, tools := newToolset(t)

	c, err := call[ChangeOutput](t, tools, "create_directory", `{"path":"/out"}`)
	require.NoError(t, err)
	assert.True(t, c.Changed)

	c, err = call[ChangeOutput](t, tools, "create_directory", `{"path":"/out"}`)
	require.NoError(t, err)
	assert.False(t, c.Changed)

	_, err = call[WriteFileOutput](t, tools, "write_file", `{"path":"/out/b.txt","content":"bb"}`)
	require.NoError(t, err)
	_, err = call[WriteFileOutput](t, tools, "write_file", `{"path":"/out/a.txt","content":"a"}`)
	require.NoError(t, err)

	l, err := call[ListDirectoryOutput](t, tools, "list_directory", `{"path":"/out"}`)
	require.NoError(t, err)
	var files []DirEntry
	for _, e := range l.Entries {
		if !e.Dir {
			files = append(files, e)
		}
	}
	assert.Equal(t, []DirEntry{{Name: "a.txt", Size: 1}, {Name: "b.txt", Size: 2}}, files)

	_, err = call[ChangeOutput](t, tools, "create_directory", `{"path":"/out/a.txt"}`)
	assert.ErrorContains(t, err, "is a file")
	_, err = call[ListDirectoryOutput](t, tools, "list_directory", `{"path":"/out/a.txt"}`)
	assert.ErrorContains(t, err, "not a directory")
	_, err = call[ListDirectoryOutput](t, tools, "list_directory", `{"path":"/missing"}`)
	assert.ErrorContains(t, err, "not found")
	_, err = call[ReadFileOutput](t, tools, "read_file", `{"path":"/out"}`)
	assert.ErrorContains(t, err, "is a directory")
}
