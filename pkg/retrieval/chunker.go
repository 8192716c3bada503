package retrieval

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// ChunkOptions sizes are in characters.
type ChunkOptions struct {
	Size    int
	Overlap int
}

// Chunk splits text into overlapping fragments. Whitespace runs are
// collapsed (paragraph breaks kept as a blank line). Each window prefers to
// end at a paragraph break, then a sentence end, then a space. Start and End
// are character offsets into the cleaned text.
func Chunk(text string, opts ChunkOptions) []Fragment {
	size := opts.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := opts.Overlap
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}

	runes := []rune(cleanText(text))
	var out []Fragment
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			out = append(out, Fragment{
				Ordinal: len(out),
				Content: content,
				Start:   start,
				End:     end,
			})
		}
		if end >= len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

// breakPoint looks backwards from end for a paragraph break, a sentence end
// or a space that lies after start.
func breakPoint(runes []rune, start, end int) int {
	window := string(runes[start:end])
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return start + len([]rune(window[:i]))
	}
	if i := strings.LastIndex(window, ". "); i > 0 {
		return start + len([]rune(window[:i])) + 1
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return start + len([]rune(window[:i]))
	}
	return end
}

func cleanText(text string) string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	cleaned := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		p = strings.Join(strings.FieldsFunc(p, unicode.IsSpace), " ")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "\n\n")
}
