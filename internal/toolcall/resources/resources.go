package resources

import (
	"path"
	"slices"
	"strings"
	"unicode"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
	"github.com/tidwall/gjson"
)

// Access is how a call touches a resource. The numeric order is the
// scheduling priority used to break ties: directory creation first, then
// listings, reads and writes.
type Access int

const (
	AccessCreateDir Access = iota
	AccessList
	AccessRead
	AccessWrite
	AccessUnknown
)

func (a Access) String() string {
	switch a {
	case AccessCreateDir:
		return "create_dir"
	case AccessList:
		return "list"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Mutates reports whether the access changes the resource.
func (a Access) Mutates() bool {
	return a == AccessWrite || a == AccessCreateDir
}

// Reference is one resource a call touches.
type Reference struct {
	Path   string
	Access Access
}

// Extractor finds the resources a call references. Implementations must not
// panic on malformed arguments; they return no references instead.
type Extractor interface {
	Extract(call model.ToolCall) []Reference
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(call model.ToolCall) []Reference

func (f ExtractorFunc) Extract(call model.ToolCall) []Reference {
	return f(call)
}

// DefaultPathFields are the argument fields inspected by PathExtractor.
var DefaultPathFields = []string{
	"path", "file_path", "filePath", "filename", "file",
	"directory", "dir", "target", "destination", "dst",
	"source", "src", "notebook_path",
}

var sourceFields = map[string]struct{}{"source": {}, "src": {}}

// PathExtractor reads path-like fields from the JSON arguments and assigns
// the access inferred from the function name.
type PathExtractor struct {
	Fields []string
}

// NewPathExtractor returns an extractor over DefaultPathFields.
func NewPathExtractor() *PathExtractor {
	return &PathExtractor{Fields: DefaultPathFields}
}

func (e *PathExtractor) Extract(call model.ToolCall) []Reference {
	args := strings.TrimSpace(call.Arguments)
	if args == "" || !gjson.Valid(args) {
		return nil
	}
	parsed := gjson.Parse(args)
	if !parsed.IsObject() {
		return nil
	}

	access := Classify(call.FunctionName)
	moves := isMove(call.FunctionName)
	var refs []Reference
	for _, field := range e.Fields {
		value := parsed.Get(gjson.Escape(field))
		if !value.Exists() {
			continue
		}
		fieldAccess := access
		// copy_file reads its source; move_file consumes it
		if _, ok := sourceFields[field]; ok && access == AccessWrite && !moves {
			fieldAccess = AccessRead
		}
		for _, p := range pathValues(value) {
			refs = append(refs, Reference{Path: p, Access: fieldAccess})
		}
	}
	return Dedupe(refs)
}

func pathValues(v gjson.Result) []string {
	var out []string
	add := func(r gjson.Result) {
		if r.Type != gjson.String {
			return
		}
		if p := Normalize(r.String()); p != "" {
			out = append(out, p)
		}
	}
	if v.IsArray() {
		for _, item := range v.Array() {
			add(item)
		}
		return out
	}
	add(v)
	return out
}

// Normalize cleans a path; empty input stays empty.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean(p)
}

// Within reports whether p is dir itself or lies below it.
func Within(p, dir string) bool {
	if p == dir {
		return true
	}
	if dir == "/" {
		return strings.HasPrefix(p, "/")
	}
	if dir == "." {
		return !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "../")
	}
	return strings.HasPrefix(p, dir+"/")
}

// Dedupe drops repeated references, keeping the strongest access per path.
func Dedupe(refs []Reference) []Reference {
	if len(refs) < 2 {
		return refs
	}
	out := make([]Reference, 0, len(refs))
	index := map[string]int{}
	for _, r := range refs {
		if i, ok := index[r.Path]; ok {
			if stronger(r.Access, out[i].Access) {
				out[i].Access = r.Access
			}
			continue
		}
		index[r.Path] = len(out)
		out = append(out, r)
	}
	return out
}

func stronger(a, b Access) bool {
	rank := func(x Access) int {
		switch x {
		case AccessWrite:
			return 4
		case AccessCreateDir:
			return 3
		case AccessRead:
			return 2
		case AccessList:
			return 1
		}
		return 0
	}
	return rank(a) > rank(b)
}

var (
	createVerbs = []string{"create", "make", "mk", "new", "ensure"}
	dirNouns    = []string{"dir", "directory", "folder", "mkdir", "dirs", "directories", "folders"}
	listVerbs   = []string{"list", "ls", "readdir", "glob", "find", "search", "scan", "tree", "browse"}
	writeVerbs  = []string{"write", "create", "save", "edit", "update", "delete", "remove", "rm", "move", "mv", "rename", "append", "patch", "put", "upload", "copy", "cp", "touch", "set", "insert", "replace", "modify", "truncate", "unlink"}
	readVerbs   = []string{"read", "get", "cat", "open", "view", "load", "fetch", "download", "show", "head", "tail", "stat", "inspect"}
)

// Classify infers the access of a function from the words of its name, e.g.
// "create_directory" and "mkdir" create directories while "list_files" lists.
func Classify(functionName string) Access {
	words := Words(functionName)
	if len(words) == 0 {
		return AccessUnknown
	}
	has := func(set []string) bool {
		for _, w := range words {
			if slices.Contains(set, w) {
				return true
			}
		}
		return false
	}
	switch {
	case slices.Contains(words, "mkdir") || (has(createVerbs) && has(dirNouns)):
		return AccessCreateDir
	case has(listVerbs):
		return AccessList
	case has(writeVerbs):
		return AccessWrite
	case has(readVerbs):
		return AccessRead
	}
	return AccessUnknown
}

func isMove(functionName string) bool {
	for _, w := range Words(functionName) {
		if w == "move" || w == "mv" || w == "rename" {
			return true
		}
	}
	return false
}

// Words splits snake_case, kebab-case, dotted and camelCase names into lower
// case words.
func Words(name string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && len(cur) > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

// Conflicts reports whether two calls write the same resource.
func Conflicts(a, b []Reference) bool {
	for _, x := range a {
		if !x.Access.Mutates() {
			continue
		}
		for _, y := range b {
			if y.Access.Mutates() && x.Path == y.Path {
				return true
			}
		}
	}
	return false
}

// Hazard reports whether running two calls concurrently could observe or
// produce an inconsistent resource: they share a path and at least one of
// them mutates it, or one creates a directory the other works inside.
func Hazard(a, b []Reference) bool {
	for _, x := range a {
		for _, y := range b {
			switch {
			case x.Path == y.Path && (x.Access.Mutates() || y.Access.Mutates()):
				return true
			case x.Access == AccessCreateDir && Within(y.Path, x.Path):
				return true
			case y.Access == AccessCreateDir && Within(x.Path, y.Path):
				return true
			}
		}
	}
	return false
}

// Priority is the scheduling rank of a call: the strongest-priority access
// among its references, or the access inferred from its name.
func Priority(call model.ToolCall, refs []Reference) Access {
	best := Classify(call.FunctionName)
	for _, r := range refs {
		if r.Access < best {
			best = r.Access
		}
	}
	return best
}
