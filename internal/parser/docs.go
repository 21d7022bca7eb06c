package parser

import (
	"regexp"
	"strings"
)

// DocsParser chunks documentation. Markdown splits at ATX headings with the
// heading text as the first symbol; RST splits at underline-marked titles.
type DocsParser struct{}

var _ FileParser = (*DocsParser)(nil)

var docsLanguages = map[string]string{
	".md":  "markdown",
	".mdx": "markdown",
	".rst": "rst",
}

func (p *DocsParser) CanParse(path string) bool {
	_, ok := docsLanguages[ext(path)]
	return ok
}

func (p *DocsParser) Parse(path, content string) ([]ParsedChunk, error) {
	lang := docsLanguages[ext(path)]
	if lang == "rst" {
		return parseRST(content), nil
	}
	return parseMarkdown(content), nil
}

var atxHeading = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)

func parseMarkdown(content string) []ParsedChunk {
	lines := strings.Split(content, "\n")

	var chunks []ParsedChunk
	start := 0
	heading := ""
	flush := func(end int) {
		if end <= start {
			return
		}
		text := strings.Join(lines[start:end], "\n")
		chunk := ParsedChunk{
			Content:   text,
			StartLine: start + 1,
			EndLine:   end,
			Language:  "markdown",
			Type:      ChunkDocs,
		}
		if heading != "" {
			chunk.Symbols = []string{heading}
		}
		chunks = append(chunks, chunk)
	}

	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		m := atxHeading.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		flush(i)
		start = i
		heading = m[2]
	}
	flush(len(lines))
	return chunks
}

// rstUnderline marks a title when a line of repeated punctuation at least as
// long as the previous line follows it.
var rstUnderline = regexp.MustCompile(`^(?:={3,}|-{3,}|~{3,}|\^{3,}|"{3,}|'{3,}|#{3,}|\*{3,}|\+{3,})\s*$`)

func parseRST(content string) []ParsedChunk {
	lines := strings.Split(content, "\n")

	var titleLines []int
	for i := 1; i < len(lines); i++ {
		title := strings.TrimSpace(lines[i-1])
		if title == "" {
			continue
		}
		if rstUnderline.MatchString(lines[i]) && len(strings.TrimRight(lines[i], " ")) >= len(title) {
			titleLines = append(titleLines, i-1)
		}
	}

	if len(titleLines) == 0 {
		s, e := lineSpan(content, 1)
		return []ParsedChunk{{Content: content, StartLine: s, EndLine: e, Language: "rst", Type: ChunkDocs}}
	}

	var chunks []ParsedChunk
	emit := func(start, end int, title string) {
		if end <= start {
			return
		}
		chunk := ParsedChunk{
			Content:   strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
			Language:  "rst",
			Type:      ChunkDocs,
		}
		if title != "" {
			chunk.Symbols = []string{title}
		}
		chunks = append(chunks, chunk)
	}

	if titleLines[0] > 0 {
		emit(0, titleLines[0], "")
	}
	for i, start := range titleLines {
		end := len(lines)
		if i+1 < len(titleLines) {
			end = titleLines[i+1]
		}
		emit(start, end, strings.TrimSpace(lines[start]))
	}
	return chunks
}
