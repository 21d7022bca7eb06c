package parser

import (
	"regexp"
	"strings"
)

// ContractParser chunks API contracts: protobuf, GraphQL schemas, and
// OpenAPI documents. Contracts outrank config in routing so an openapi.yaml
// is never treated as plain YAML.
type ContractParser struct{}

var _ FileParser = (*ContractParser)(nil)

var contractBasenames = map[string]bool{
	"openapi.yaml": true,
	"openapi.yml":  true,
	"openapi.json": true,
	"swagger.yaml": true,
	"swagger.yml":  true,
	"swagger.json": true,
}

func (p *ContractParser) CanParse(path string) bool {
	switch ext(path) {
	case ".proto", ".graphql", ".gql":
		return true
	}
	return contractBasenames[base(path)]
}

var (
	protoBoundary   = regexp.MustCompile(`^\s*(message|service|enum|rpc)\s+(\w+)`)
	graphqlBoundary = regexp.MustCompile(`^\s*(type|input|enum|interface|union|scalar|query|mutation|subscription)\s+(\w+)`)
)

func (p *ContractParser) Parse(path, content string) ([]ParsedChunk, error) {
	switch ext(path) {
	case ".proto":
		return splitContract(content, "protobuf", protoBoundary), nil
	case ".graphql", ".gql":
		return splitContract(content, "graphql", graphqlBoundary), nil
	}

	// OpenAPI: YAML splits at top-level keys, JSON at top-level keys too.
	if ext(path) == ".json" {
		chunks, err := parseJSON(content)
		if err != nil {
			return nil, err
		}
		for i := range chunks {
			chunks[i].Type = ChunkContract
		}
		return chunks, nil
	}
	chunks := parseYAMLTopLevel(content, "yaml")
	for i := range chunks {
		chunks[i].Type = ChunkContract
	}
	return chunks, nil
}

func splitContract(content, lang string, boundary *regexp.Regexp) []ParsedChunk {
	lines := strings.Split(content, "\n")

	var boundaries []int
	var names []string
	for i, line := range lines {
		if m := boundary.FindStringSubmatch(line); m != nil {
			boundaries = append(boundaries, i)
			names = append(names, m[2])
		}
	}

	if len(boundaries) == 0 {
		s, e := lineSpan(content, 1)
		return []ParsedChunk{{Content: content, StartLine: s, EndLine: e, Language: lang, Type: ChunkContract}}
	}

	var chunks []ParsedChunk
	emit := func(start, end int, symbol string) {
		if end <= start {
			return
		}
		chunk := ParsedChunk{
			Content:   strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
			Language:  lang,
			Type:      ChunkContract,
		}
		if symbol != "" {
			chunk.Symbols = []string{symbol}
		}
		chunks = append(chunks, chunk)
	}

	if boundaries[0] > 0 {
		emit(0, boundaries[0], "")
	}
	for i, start := range boundaries {
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		emit(start, end, names[i])
	}
	return chunks
}
