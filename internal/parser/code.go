package parser

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// CodeParser chunks source files. TS/JS goes through a tree-sitter pass that
// emits one chunk per top-level declaration; every other language uses regex
// boundary detection with a line-bucket fallback.
type CodeParser struct{}

var _ FileParser = (*CodeParser)(nil)

var codeLanguages = map[string]string{
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".py":    "python",
	".go":    "go",
	".rs":    "rust",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".rb":    "ruby",
	".php":   "php",
	".cs":    "csharp",
	".kt":    "kotlin",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".bash":  "shell",
}

func (p *CodeParser) CanParse(path string) bool {
	_, ok := codeLanguages[ext(path)]
	return ok
}

func (p *CodeParser) Parse(path, content string) ([]ParsedChunk, error) {
	lang := codeLanguages[ext(path)]

	switch ext(path) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs":
		chunks, err := p.parseTree(path, content, lang)
		if err == nil && len(chunks) > 0 {
			return chunks, nil
		}
		// Fall through to the regex pass on parse failure.
	}
	return p.parseRegex(content, lang), nil
}

// treeLanguage picks the grammar for a TS/JS file.
func treeLanguage(path string) *sitter.Language {
	switch ext(path) {
	case ".ts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

// declarationTypes are the top-level AST nodes that become chunks.
var declarationTypes = map[string]bool{
	"class_declaration":              true,
	"abstract_class_declaration":     true,
	"function_declaration":           true,
	"generator_function_declaration": true,
	"interface_declaration":          true,
	"type_alias_declaration":         true,
	"enum_declaration":               true,
	"lexical_declaration":            true,
	"variable_declaration":           true,
}

func (p *CodeParser) parseTree(path, content, lang string) ([]ParsedChunk, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(treeLanguage(path))

	source := []byte(content)
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	imports := extractImports(content, lang)
	root := tree.RootNode()

	var chunks []ParsedChunk
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)

		decl := node
		if node.Type() == "export_statement" {
			if d := exportedDeclaration(node); d != nil {
				decl = d
			} else {
				continue
			}
		}
		if !declarationTypes[decl.Type()] {
			continue
		}
		if isVariableDeclaration(decl.Type()) && !significantVariable(decl, source) {
			continue
		}

		chunk := ParsedChunk{
			Content:   node.Content(source),
			StartLine: int(node.StartPoint().Row) + 1,
			EndLine:   int(node.EndPoint().Row) + 1,
			Language:  lang,
			Type:      ChunkCode,
			Symbols:   declarationSymbols(decl, source),
		}
		if len(chunks) == 0 {
			chunk.Imports = imports
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// exportedDeclaration unwraps `export class X ...` to the declaration node.
func exportedDeclaration(node *sitter.Node) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if declarationTypes[child.Type()] {
			return child
		}
	}
	return nil
}

func isVariableDeclaration(nodeType string) bool {
	return nodeType == "lexical_declaration" || nodeType == "variable_declaration"
}

// significantVariable keeps `const handler = async () => {...}` style
// declarations and drops trivial constants.
func significantVariable(node *sitter.Node, source []byte) bool {
	text := node.Content(source)
	if strings.Contains(text, "=>") || strings.Contains(text, "function") {
		return true
	}
	return int(node.EndPoint().Row)-int(node.StartPoint().Row) >= 3
}

func declarationSymbols(node *sitter.Node, source []byte) []string {
	if name := node.ChildByFieldName("name"); name != nil {
		return []string{name.Content(source)}
	}

	// Variable declarations name their declarators.
	var symbols []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "variable_declarator" {
			continue
		}
		if name := child.ChildByFieldName("name"); name != nil {
			symbols = append(symbols, name.Content(source))
		}
	}
	return symbols
}

// Regex pass for every other language.

var boundaryPatterns = map[string]*regexp.Regexp{
	"python": regexp.MustCompile(`^(async\s+def|def|class)\s+\w+`),
	"go":     regexp.MustCompile(`^(func\s|type\s+\w+\s+(struct|interface)\b)`),
	"rust":   regexp.MustCompile(`^(pub\s+)?(fn|struct|enum|impl|trait|mod)\b`),
	"ruby":   regexp.MustCompile(`^\s*(class|module|def)\s+\w`),
	"java":   regexp.MustCompile(`^\s*(public|private|protected|static|final|abstract)?\s*(class|interface|enum|record)\s+\w+|^\s*(public|private|protected)\s+[\w<>\[\]]+\s+\w+\s*\(`),
	"c":      regexp.MustCompile(`^\w[\w\s\*]*\([^;]*$|^\w[\w\s\*]*\([^)]*\)\s*\{`),
}

// genericBoundary catches declaration keywords in languages without a
// dedicated pattern.
var genericBoundary = regexp.MustCompile(`^\s*(export\s+)?(public\s+|private\s+|protected\s+)?(async\s+)?(function|def|class|struct|enum|interface|impl|trait|module|fn|func)\b`)

func boundaryPattern(lang string) *regexp.Regexp {
	switch lang {
	case "cpp":
		return boundaryPatterns["c"]
	case "csharp", "kotlin", "scala":
		return boundaryPatterns["java"]
	}
	if p, ok := boundaryPatterns[lang]; ok {
		return p
	}
	return genericBoundary
}

func (p *CodeParser) parseRegex(content, lang string) []ParsedChunk {
	lines := strings.Split(content, "\n")
	pattern := boundaryPattern(lang)

	var boundaries []int
	for i, line := range lines {
		if pattern.MatchString(line) {
			boundaries = append(boundaries, i)
		}
	}

	imports := extractImports(content, lang)

	// With fewer than 2 boundaries there is no structure to follow; bucket
	// by lines instead.
	if len(boundaries) < 2 {
		return bucketChunks(lines, lang, imports)
	}

	var chunks []ParsedChunk
	emit := func(start, end int) {
		text := strings.Join(lines[start:end], "\n")
		chunk := ParsedChunk{
			Content:   text,
			StartLine: start + 1,
			EndLine:   end,
			Language:  lang,
			Type:      ChunkCode,
			Symbols:   extractSymbols(text, lang),
		}
		if len(chunks) == 0 {
			chunk.Imports = imports
		}
		chunks = append(chunks, chunk)
	}

	if boundaries[0] > 0 {
		emit(0, boundaries[0])
	}
	for i, start := range boundaries {
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		emit(start, end)
	}
	return chunks
}

// maxBucketChars caps a fallback chunk's size.
const maxBucketChars = 1000

func bucketChunks(lines []string, lang string, imports []string) []ParsedChunk {
	var chunks []ParsedChunk
	start := 0
	size := 0
	for i, line := range lines {
		if size > 0 && size+len(line) > maxBucketChars {
			chunks = appendBucket(chunks, lines, start, i, lang, imports)
			start = i
			size = 0
		}
		size += len(line) + 1
	}
	if start < len(lines) {
		chunks = appendBucket(chunks, lines, start, len(lines), lang, imports)
	}
	return chunks
}

func appendBucket(chunks []ParsedChunk, lines []string, start, end int, lang string, imports []string) []ParsedChunk {
	text := strings.Join(lines[start:end], "\n")
	chunk := ParsedChunk{
		Content:   text,
		StartLine: start + 1,
		EndLine:   end,
		Language:  lang,
		Type:      ChunkCode,
		Symbols:   extractSymbols(text, lang),
	}
	if len(chunks) == 0 {
		chunk.Imports = imports
	}
	return append(chunks, chunk)
}

// Symbol and import extraction, regex safety net for all languages.

var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:abstract\s+)?class\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?interface\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:type|enum)\s+(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:async\s+)?def\s+(\w+)`),
	regexp.MustCompile(`(?m)^func\s+(?:\([^)]+\)\s+)?(\w+)`),
	regexp.MustCompile(`(?m)^\s*(?:pub\s+)?(?:fn|struct|trait)\s+(\w+)`),
}

func extractSymbols(content, lang string) []string {
	seen := map[string]bool{}
	var symbols []string
	for _, p := range symbolPatterns {
		for _, m := range p.FindAllStringSubmatch(content, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				symbols = append(symbols, m[1])
			}
		}
	}
	return symbols
}

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*import\s+(?:[\w{},*\s]+\s+from\s+)?['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?m)require\(\s*['"]([^'"]+)['"]\s*\)`),
	regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`),
	regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)\s*$`),
	regexp.MustCompile(`(?m)^\s*(?:import\s+)?"([^"]+)"$`),
}

func extractImports(content, lang string) []string {
	seen := map[string]bool{}
	var imports []string
	for _, p := range importPatterns {
		for _, m := range p.FindAllStringSubmatch(content, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				imports = append(imports, m[1])
			}
		}
	}
	return imports
}
