// Package parser turns source files into retrievable chunks.
//
// A registry routes each file to one of four parsers by extension and
// basename, in priority order contract -> config -> docs -> code. Every
// parser emits ParsedChunks with line spans, symbols, and imports; chunks
// with fewer than 10 non-whitespace characters are dropped.
package parser

import (
	"path/filepath"
	"strings"
	"unicode"
)

// ChunkType classifies what a chunk contains.
type ChunkType string

const (
	ChunkCode     ChunkType = "code"
	ChunkConfig   ChunkType = "config"
	ChunkDocs     ChunkType = "docs"
	ChunkContract ChunkType = "contract"
	ChunkUnknown  ChunkType = "unknown"
)

// minChunkChars is the minimum non-whitespace content length; anything
// shorter carries no retrieval signal.
const minChunkChars = 10

// ParsedChunk is the unit written to vector collections.
type ParsedChunk struct {
	Content   string    `json:"content"`
	StartLine int       `json:"startLine"`
	EndLine   int       `json:"endLine"`
	Language  string    `json:"language"`
	Type      ChunkType `json:"type"`

	// Symbols are the declaration names the chunk defines. For docs chunks
	// the heading text is Symbols[0].
	Symbols []string `json:"symbols,omitempty"`

	// Imports are file-level import specifiers, attached to the first chunk
	// only.
	Imports []string `json:"imports,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileParser parses one family of file formats.
type FileParser interface {
	// CanParse reports whether this parser handles the path.
	CanParse(path string) bool

	// Parse chunks the file content.
	Parse(path, content string) ([]ParsedChunk, error)
}

// Registry routes files to parsers.
type Registry struct {
	// Priority order matters: an openapi.yaml is a contract, not config.
	parsers []FileParser
	types   []ChunkType
}

// NewRegistry builds the registry with the four standard parsers.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []FileParser{
			&ContractParser{},
			&ConfigParser{},
			&DocsParser{},
			&CodeParser{},
		},
		types: []ChunkType{ChunkContract, ChunkConfig, ChunkDocs, ChunkCode},
	}
}

// ClassifyFile returns the chunk type the registry would assign, or
// ChunkUnknown when no parser handles the path.
func (r *Registry) ClassifyFile(path string) ChunkType {
	for i, p := range r.parsers {
		if p.CanParse(path) {
			return r.types[i]
		}
	}
	return ChunkUnknown
}

// Parse routes the file to its parser and filters undersized chunks. Unknown
// files yield an empty slice.
func (r *Registry) Parse(path, content string) ([]ParsedChunk, error) {
	for _, p := range r.parsers {
		if !p.CanParse(path) {
			continue
		}
		chunks, err := p.Parse(path, content)
		if err != nil {
			return nil, err
		}
		return filterSmall(chunks), nil
	}
	return nil, nil
}

func filterSmall(chunks []ParsedChunk) []ParsedChunk {
	out := chunks[:0]
	for _, c := range chunks {
		if nonWhitespaceLen(c.Content) >= minChunkChars {
			out = append(out, c)
		}
	}
	return out
}

func nonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func ext(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func base(path string) string {
	return strings.ToLower(filepath.Base(path))
}

// lineSpan counts the 1-based line span of a chunk starting at startLine.
func lineSpan(content string, startLine int) (int, int) {
	lines := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		lines++
	}
	if lines < 1 {
		lines = 1
	}
	return startLine, startLine + lines - 1
}
