// Package graph extracts dependency edges from source files and answers
// neighbourhood expansion queries for graph-backed retrieval.
package graph

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// EdgeType classifies a dependency edge.
type EdgeType string

const (
	EdgeImports    EdgeType = "imports"
	EdgeExtends    EdgeType = "extends"
	EdgeImplements EdgeType = "implements"
)

// Edge is one dependency relation between files or symbols.
type Edge struct {
	FromFile   string   `json:"fromFile"`
	FromSymbol string   `json:"fromSymbol,omitempty"`
	ToFile     string   `json:"toFile"`
	ToSymbol   string   `json:"toSymbol,omitempty"`
	Type       EdgeType `json:"type"`
}

var (
	esImport   = regexp.MustCompile(`(?m)^\s*import\s+(?:type\s+)?(?:([\w{},*\s]+?)\s+from\s+)?['"]([^'"]+)['"]`)
	cjsRequire = regexp.MustCompile(`(?m)require\(\s*['"]([^'"]+)['"]\s*\)`)
	pyFromImp  = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\s+([\w,\s*]+)`)
	pyImport   = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+(?:\s*,\s*[\w.]+)*)\s*$`)
	goImport   = regexp.MustCompile(`(?m)^\s*(?:import\s+)?(?:\w+\s+)?"([^"]+)"`)
	goBlock    = regexp.MustCompile(`(?s)import\s*\((.*?)\)`)
	goSingle   = regexp.MustCompile(`(?m)^import\s+(?:\w+\s+)?"([^"]+)"`)

	tsExtends    = regexp.MustCompile(`(?m)class\s+(\w+)(?:<[^>]*>)?\s+extends\s+([\w.]+)`)
	tsImplements = regexp.MustCompile(`(?m)class\s+(\w+)(?:<[^>]*>)?(?:\s+extends\s+[\w.<>]+)?\s+implements\s+([\w.,\s]+)`)
	pyClass      = regexp.MustCompile(`(?m)^\s*class\s+(\w+)\s*\(([^)]+)\)`)
)

// Extract derives edges from one file's content. Relative import specifiers
// are resolved against the owning file's directory; empty endpoints are
// dropped.
func Extract(content, filePath string) []Edge {
	lang := languageOf(filePath)
	var edges []Edge

	add := func(e Edge) {
		if e.FromFile == "" || e.ToFile == "" {
			return
		}
		edges = append(edges, e)
	}

	switch lang {
	case "typescript", "javascript":
		for _, m := range esImport.FindAllStringSubmatch(content, -1) {
			add(Edge{
				FromFile: filePath,
				ToFile:   resolveSpecifier(m[2], filePath),
				ToSymbol: firstImportedName(m[1]),
				Type:     EdgeImports,
			})
		}
		for _, m := range cjsRequire.FindAllStringSubmatch(content, -1) {
			add(Edge{FromFile: filePath, ToFile: resolveSpecifier(m[1], filePath), Type: EdgeImports})
		}
		for _, m := range tsExtends.FindAllStringSubmatch(content, -1) {
			add(Edge{FromFile: filePath, FromSymbol: m[1], ToFile: filePath, ToSymbol: m[2], Type: EdgeExtends})
		}
		for _, m := range tsImplements.FindAllStringSubmatch(content, -1) {
			for _, iface := range splitNames(m[2]) {
				add(Edge{FromFile: filePath, FromSymbol: m[1], ToFile: filePath, ToSymbol: iface, Type: EdgeImplements})
			}
		}

	case "python":
		for _, m := range pyFromImp.FindAllStringSubmatch(content, -1) {
			add(Edge{
				FromFile: filePath,
				ToFile:   m[1],
				ToSymbol: firstImportedName(m[2]),
				Type:     EdgeImports,
			})
		}
		for _, m := range pyImport.FindAllStringSubmatch(content, -1) {
			for _, mod := range splitNames(m[1]) {
				add(Edge{FromFile: filePath, ToFile: mod, Type: EdgeImports})
			}
		}
		for _, m := range pyClass.FindAllStringSubmatch(content, -1) {
			for _, baseName := range splitNames(m[2]) {
				// object carries no information.
				if baseName == "object" || baseName == "" {
					continue
				}
				add(Edge{FromFile: filePath, FromSymbol: m[1], ToFile: filePath, ToSymbol: baseName, Type: EdgeExtends})
			}
		}

	case "go":
		for _, block := range goBlock.FindAllStringSubmatch(content, -1) {
			for _, m := range goImport.FindAllStringSubmatch(block[1], -1) {
				add(Edge{FromFile: filePath, ToFile: m[1], Type: EdgeImports})
			}
		}
		for _, m := range goSingle.FindAllStringSubmatch(content, -1) {
			add(Edge{FromFile: filePath, ToFile: m[1], Type: EdgeImports})
		}

	case "java":
		for _, m := range regexp.MustCompile(`(?m)^import\s+(?:static\s+)?([\w.]+);`).FindAllStringSubmatch(content, -1) {
			add(Edge{FromFile: filePath, ToFile: m[1], Type: EdgeImports})
		}
		for _, m := range tsExtends.FindAllStringSubmatch(content, -1) {
			add(Edge{FromFile: filePath, FromSymbol: m[1], ToFile: filePath, ToSymbol: m[2], Type: EdgeExtends})
		}
		for _, m := range tsImplements.FindAllStringSubmatch(content, -1) {
			for _, iface := range splitNames(m[2]) {
				add(Edge{FromFile: filePath, FromSymbol: m[1], ToFile: filePath, ToSymbol: iface, Type: EdgeImplements})
			}
		}
	}

	return edges
}

func languageOf(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".java":
		return "java"
	default:
		return ""
	}
}

// resolveSpecifier turns a relative import into a project path and annotates
// it with the owning file's extension when it has none. External package
// specifiers pass through verbatim.
func resolveSpecifier(spec, fromFile string) string {
	if !strings.HasPrefix(spec, ".") {
		return spec
	}
	resolved := path.Join(path.Dir(fromFile), spec)
	if path.Ext(resolved) == "" {
		resolved += path.Ext(fromFile)
	}
	return resolved
}

func firstImportedName(clause string) string {
	clause = strings.Trim(strings.TrimSpace(clause), "{}")
	names := splitNames(clause)
	if len(names) == 0 {
		return ""
	}
	// `X as Y` binds Y locally; the exported name is X.
	if i := strings.Index(names[0], " as "); i > 0 {
		return strings.TrimSpace(names[0][:i])
	}
	return names[0]
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" && part != "*" {
			out = append(out, part)
		}
	}
	return out
}

// Store keeps edges in memory, indexed on both endpoints per project.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*projectGraph
}

type projectGraph struct {
	edges  []Edge
	byFile map[string][]int
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{projects: make(map[string]*projectGraph)}
}

// Replace swaps in the full edge set for a project. Called once per index
// run after all files are parsed.
func (s *Store) Replace(project string, edges []Edge) {
	g := &projectGraph{edges: edges, byFile: make(map[string][]int)}
	for i, e := range edges {
		g.byFile[e.FromFile] = append(g.byFile[e.FromFile], i)
		if e.ToFile != e.FromFile {
			g.byFile[e.ToFile] = append(g.byFile[e.ToFile], i)
		}
	}

	s.mu.Lock()
	s.projects[project] = g
	s.mu.Unlock()
}

// Add appends edges for a project, used by incremental watch updates.
func (s *Store) Add(project string, edges []Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.projects[project]
	if !ok {
		g = &projectGraph{byFile: make(map[string][]int)}
		s.projects[project] = g
	}
	for _, e := range edges {
		i := len(g.edges)
		g.edges = append(g.edges, e)
		g.byFile[e.FromFile] = append(g.byFile[e.FromFile], i)
		if e.ToFile != e.FromFile {
			g.byFile[e.ToFile] = append(g.byFile[e.ToFile], i)
		}
	}
}

// RemoveFile drops every edge touching the file, used when a watched file
// changes before its fresh edges are added.
func (s *Store) RemoveFile(project, file string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.projects[project]
	if !ok {
		return
	}
	var kept []Edge
	for _, e := range g.edges {
		if e.FromFile == file || e.ToFile == file {
			continue
		}
		kept = append(kept, e)
	}
	replacement := &projectGraph{edges: kept, byFile: make(map[string][]int)}
	for i, e := range kept {
		replacement.byFile[e.FromFile] = append(replacement.byFile[e.FromFile], i)
		if e.ToFile != e.FromFile {
			replacement.byFile[e.ToFile] = append(replacement.byFile[e.ToFile], i)
		}
	}
	s.projects[project] = replacement
}

// EdgeCount returns the number of edges stored for a project.
func (s *Store) EdgeCount(project string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.projects[project]; ok {
		return len(g.edges)
	}
	return 0
}

// Edges returns every edge touching the file.
func (s *Store) Edges(project, file string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.projects[project]
	if !ok {
		return nil
	}
	var out []Edge
	for _, i := range g.byFile[file] {
		out = append(out, g.edges[i])
	}
	return out
}

// Expand walks the dependency neighbourhood of the seed files up to hops
// levels and returns the connected files, excluding the seeds themselves.
func (s *Store) Expand(project string, seeds []string, hops int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.projects[project]
	if !ok || hops <= 0 {
		return nil
	}

	visited := make(map[string]bool, len(seeds))
	for _, seed := range seeds {
		visited[seed] = true
	}

	frontier := append([]string(nil), seeds...)
	var connected []string
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, file := range frontier {
			for _, i := range g.byFile[file] {
				e := g.edges[i]
				for _, neighbour := range []string{e.FromFile, e.ToFile} {
					if visited[neighbour] {
						continue
					}
					visited[neighbour] = true
					connected = append(connected, neighbour)
					next = append(next, neighbour)
				}
			}
		}
		frontier = next
	}

	sort.Strings(connected)
	return connected
}
