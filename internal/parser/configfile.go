package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ConfigParser chunks configuration files. JSON gets one chunk per top-level
// key, YAML splits at zero-indented keys, .env groups by blank-line blocks,
// and everything else becomes a single language-tagged chunk.
type ConfigParser struct{}

var _ FileParser = (*ConfigParser)(nil)

var configLanguages = map[string]string{
	".json":       "json",
	".yaml":       "yaml",
	".yml":        "yaml",
	".toml":       "toml",
	".ini":        "ini",
	".hcl":        "hcl",
	".cfg":        "ini",
	".conf":       "ini",
	".properties": "properties",
}

func (p *ConfigParser) CanParse(path string) bool {
	if strings.HasPrefix(base(path), ".env") {
		return true
	}
	_, ok := configLanguages[ext(path)]
	return ok
}

func (p *ConfigParser) Parse(path, content string) ([]ParsedChunk, error) {
	if strings.HasPrefix(base(path), ".env") {
		return parseEnv(content), nil
	}

	lang := configLanguages[ext(path)]
	switch lang {
	case "json":
		return parseJSON(content)
	case "yaml":
		return parseYAMLTopLevel(content, "yaml"), nil
	default:
		start, end := lineSpan(content, 1)
		return []ParsedChunk{{
			Content:   content,
			StartLine: start,
			EndLine:   end,
			Language:  lang,
			Type:      ChunkConfig,
		}}, nil
	}
}

// parseJSON emits one chunk per top-level object key. Non-object documents
// become a single chunk.
func parseJSON(content string) ([]ParsedChunk, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &top); err != nil {
		start, end := lineSpan(content, 1)
		return []ParsedChunk{{
			Content:   content,
			StartLine: start,
			EndLine:   end,
			Language:  "json",
			Type:      ChunkConfig,
		}}, nil
	}

	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var chunks []ParsedChunk
	for _, key := range keys {
		text := fmt.Sprintf("%q: %s", key, top[key])
		startLine := 1
		if idx := strings.Index(content, fmt.Sprintf("%q", key)); idx >= 0 {
			startLine = strings.Count(content[:idx], "\n") + 1
		}
		start, end := lineSpan(text, startLine)
		chunks = append(chunks, ParsedChunk{
			Content:   text,
			StartLine: start,
			EndLine:   end,
			Language:  "json",
			Type:      ChunkConfig,
			Symbols:   []string{key},
		})
	}
	return chunks, nil
}

var yamlTopKey = regexp.MustCompile(`^([A-Za-z0-9_.-]+)\s*:`)

// parseYAMLTopLevel splits at zero-indented keys.
func parseYAMLTopLevel(content, lang string) []ParsedChunk {
	lines := strings.Split(content, "\n")

	var chunks []ParsedChunk
	start := -1
	key := ""
	flush := func(end int) {
		if start < 0 {
			return
		}
		text := strings.Join(lines[start:end], "\n")
		chunks = append(chunks, ParsedChunk{
			Content:   text,
			StartLine: start + 1,
			EndLine:   end,
			Language:  lang,
			Type:      ChunkConfig,
			Symbols:   []string{key},
		})
	}

	for i, line := range lines {
		m := yamlTopKey.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		flush(i)
		start = i
		key = m[1]
	}
	flush(len(lines))

	if len(chunks) == 0 {
		s, e := lineSpan(content, 1)
		return []ParsedChunk{{Content: content, StartLine: s, EndLine: e, Language: lang, Type: ChunkConfig}}
	}
	return chunks
}

var envVarName = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_]*)=`)

// parseEnv groups variables by blank-line-separated blocks.
func parseEnv(content string) []ParsedChunk {
	lines := strings.Split(content, "\n")

	var chunks []ParsedChunk
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		text := strings.Join(lines[start:end], "\n")
		var symbols []string
		for _, m := range envVarName.FindAllStringSubmatch(text, -1) {
			symbols = append(symbols, m[1])
		}
		chunks = append(chunks, ParsedChunk{
			Content:   text,
			StartLine: start + 1,
			EndLine:   end,
			Language:  "dotenv",
			Type:      ChunkConfig,
			Symbols:   symbols,
		})
		start = -1
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(lines))
	return chunks
}
