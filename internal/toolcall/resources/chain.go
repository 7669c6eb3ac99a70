package resources

import (
	"strings"

	"github.com/Chative-core-poc-v1/toolcall/internal/toolcall/model"
)

type chain []Extractor

// Chain merges the references found by every extractor.
func Chain(extractors ...Extractor) Extractor {
	out := make(chain, 0, len(extractors))
	for _, e := range extractors {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (c chain) Extract(call model.ToolCall) []Reference {
	var refs []Reference
	for _, e := range c {
		refs = append(refs, safeExtract(e, call)...)
	}
	return Dedupe(refs)
}

type family struct {
	prefixes []string
	inner    Extractor
}

// ForFamily applies inner only to functions whose name starts with one of
// the prefixes (case-insensitive), e.g. ForFamily(notebookExtractor, "notebook_").
func ForFamily(inner Extractor, prefixes ...string) Extractor {
	lower := make([]string, len(prefixes))
	for i, p := range prefixes {
		lower[i] = strings.ToLower(p)
	}
	return family{prefixes: lower, inner: inner}
}

func (f family) Extract(call model.ToolCall) []Reference {
	name := strings.ToLower(call.FunctionName)
	for _, p := range f.prefixes {
		if strings.HasPrefix(name, p) {
			return safeExtract(f.inner, call)
		}
	}
	return nil
}

// safeExtract turns a panicking extractor into "no references".
func safeExtract(e Extractor, call model.ToolCall) (refs []Reference) {
	defer func() {
		if recover() != nil {
			refs = nil
		}
	}()
	return e.Extract(call)
}

// Safe wraps an extractor so a panic yields no references.
func Safe(e Extractor) Extractor {
	return ExtractorFunc(func(call model.ToolCall) []Reference {
		return safeExtract(e, call)
	})
}
