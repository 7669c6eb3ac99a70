package tools

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
)

// ===================================
// File Toolset
// ===================================

// Toolset exposes a sandboxed afs location as eino tools. Every path given
// by a caller is resolved below root; ".." cannot escape it.
type Toolset struct {
	fs   afs.Service
	root string
}

func NewToolset(fs afs.Service, root string) *Toolset {
	if fs == nil {
		fs = afs.New()
	}
	return &Toolset{fs: fs, root: strings.TrimRight(root, "/")}
}

// Tools returns write_file, read_file, list_directory, create_directory and
// delete_file.
func (s *Toolset) Tools() []tool.BaseTool {
	return []tool.BaseTool{
		s.writeFileTool(),
		s.readFileTool(),
		s.listDirectoryTool(),
		s.createDirectoryTool(),
		s.deleteFileTool(),
	}
}

func (s *Toolset) resolve(p string) (string, string, error) {
	if strings.TrimSpace(p) == "" {
		return "", "", fmt.Errorf("path is required")
	}
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	if clean == "/" {
		return clean, s.root, nil
	}
	return clean, url.Join(s.root, strings.TrimPrefix(clean, "/")), nil
}

// object returns nil, nil when nothing exists at loc.
func (s *Toolset) object(ctx context.Context, loc string) (storage.Object, error) {
	ok, err := s.fs.Exists(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", loc, err)
	}
	if !ok {
		return nil, nil
	}
	return s.fs.Object(ctx, loc)
}

func pathParam(desc string) map[string]*schema.ParameterInfo {
	return map[string]*schema.ParameterInfo{
		"path": {Type: schema.String, Desc: desc, Required: true},
	}
}

type PathInput struct {
	Path string `json:"path"`
}

type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileOutput struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

func (s *Toolset) writeFileTool() tool.BaseTool {
	params := pathParam("File path relative to the workspace root.")
	params["content"] = &schema.ParameterInfo{Type: schema.String, Desc: "Full file content; replaces any existing content."}
	return utils.NewTool(
		&schema.ToolInfo{
			Name:        "write_file",
			Desc:        "Create or overwrite a file in the workspace. Parent directories are created as needed.",
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		},
		func(ctx context.Context, in *WriteFileInput) (*WriteFileOutput, error) {
			clean, loc, err := s.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			if err := s.fs.Upload(ctx, loc, file.DefaultFileOsMode, bytes.NewReader([]byte(in.Content))); err != nil {
				return nil, fmt.Errorf("write %s: %w", clean, err)
			}
			return &WriteFileOutput{Path: clean, Bytes: len(in.Content)}, nil
		},
	)
}

type ReadFileOutput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Toolset) readFileTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name:        "read_file",
			Desc:        "Read the full content of a file in the workspace.",
			ParamsOneOf: schema.NewParamsOneOfByParams(pathParam("File path relative to the workspace root.")),
		},
		func(ctx context.Context, in *PathInput) (*ReadFileOutput, error) {
			clean, loc, err := s.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			obj, err := s.object(ctx, loc)
			if err != nil {
				return nil, err
			}
			if obj == nil {
				return nil, fmt.Errorf("file %s not found", clean)
			}
			if obj.IsDir() {
				return nil, fmt.Errorf("%s is a directory", clean)
			}
			data, err := s.fs.DownloadWithURL(ctx, loc)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", clean, err)
			}
			return &ReadFileOutput{Path: clean, Content: string(data)}, nil
		},
	)
}

type DirEntry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

type ListDirectoryOutput struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
	Total   int        `json:"total"`
}

func (s *Toolset) listDirectoryTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name:        "list_directory",
			Desc:        "List the files and directories directly inside a workspace directory.",
			ParamsOneOf: schema.NewParamsOneOfByParams(pathParam("Directory path relative to the workspace root; use / for the root.")),
		},
		func(ctx context.Context, in *PathInput) (*ListDirectoryOutput, error) {
			clean, loc, err := s.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			obj, err := s.object(ctx, loc)
			if err != nil {
				return nil, err
			}
			if obj == nil {
				return nil, fmt.Errorf("directory %s not found", clean)
			}
			if !obj.IsDir() {
				return nil, fmt.Errorf("%s is not a directory", clean)
			}
			objs, err := s.fs.List(ctx, loc)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", clean, err)
			}
			out := &ListDirectoryOutput{Path: clean, Entries: []DirEntry{}}
			self := strings.TrimRight(loc, "/")
			for i, o := range objs {
				if o == nil {
					continue
				}
				// afs reports the listed directory itself first
				if o.IsDir() && (i == 0 || strings.TrimRight(o.URL(), "/") == self) {
					continue
				}
				out.Entries = append(out.Entries, DirEntry{Name: o.Name(), Dir: o.IsDir(), Size: o.Size()})
			}
			sort.Slice(out.Entries, func(i, j int) bool { return out.Entries[i].Name < out.Entries[j].Name })
			out.Total = len(out.Entries)
			return out, nil
		},
	)
}

type ChangeOutput struct {
	Path    string `json:"path"`
	Changed bool   `json:"changed"`
}

func (s *Toolset) createDirectoryTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name:        "create_directory",
			Desc:        "Create a directory (and missing parents) in the workspace. Succeeds if it already exists.",
			ParamsOneOf: schema.NewParamsOneOfByParams(pathParam("Directory path relative to the workspace root.")),
		},
		func(ctx context.Context, in *PathInput) (*ChangeOutput, error) {
			clean, loc, err := s.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			obj, err := s.object(ctx, loc)
			if err != nil {
				return nil, err
			}
			if obj != nil {
				if !obj.IsDir() {
					return nil, fmt.Errorf("%s exists and is a file", clean)
				}
				return &ChangeOutput{Path: clean}, nil
			}
			if err := s.fs.Create(ctx, loc, file.DefaultDirOsMode, true); err != nil {
				return nil, fmt.Errorf("create %s: %w", clean, err)
			}
			return &ChangeOutput{Path: clean, Changed: true}, nil
		},
	)
}

func (s *Toolset) deleteFileTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name:        "delete_file",
			Desc:        "Delete a file from the workspace. Deleting a missing file is not an error.",
			ParamsOneOf: schema.NewParamsOneOfByParams(pathParam("File path relative to the workspace root.")),
		},
		func(ctx context.Context, in *PathInput) (*ChangeOutput, error) {
			clean, loc, err := s.resolve(in.Path)
			if err != nil {
				return nil, err
			}
			if clean == "/" {
				return nil, fmt.Errorf("refusing to delete the workspace root")
			}
			obj, err := s.object(ctx, loc)
			if err != nil {
				return nil, err
			}
			if obj == nil {
				return &ChangeOutput{Path: clean}, nil
			}
			if obj.IsDir() {
				return nil, fmt.Errorf("%s is a directory", clean)
			}
			if err := s.fs.Delete(ctx, loc); err != nil {
				return nil, fmt.Errorf("delete %s: %w", clean, err)
			}
			return &ChangeOutput{Path: clean, Changed: true}, nil
		},
	)
}
