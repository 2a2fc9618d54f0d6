package channels

import (
	"strings"
	"unicode/utf8"
)

// EntityType names a rich-text segment kind understood by the chat platform.
type EntityType string

const (
	EntityCode EntityType = "code" // inline monospace
	EntityPre  EntityType = "pre"  // fenced block, optionally with a language
)

// Entity marks a typed segment of rendered text. Offsets and lengths count
// runes; they are converted to the platform's UTF-16 units at send time.
type Entity struct {
	Type     EntityType
	Offset   int
	Length   int
	Language string
}

// renderer accumulates output text and its entities while tracking the rune
// position so entity offsets stay aligned with what was written.
type renderer struct {
	b        strings.Builder
	n        int
	entities []Entity
}

func (r *renderer) writeText(s string) {
	r.b.WriteString(s)
	r.n += utf8.RuneCountInString(s)
}

func (r *renderer) writeEntity(typ EntityType, lang, s string) {
	if s == "" {
		return
	}
	start := r.n
	r.writeText(s)
	r.entities = append(r.entities, Entity{Type: typ, Offset: start, Length: r.n - start, Language: lang})
}

// RenderMarkdown converts markdown-style result text into plain text plus
// typed entities: fenced code blocks and inline backtick spans become
// pre/code entities with the delimiters removed, and table blocks are
// re-emitted verbatim inside a pre entity so their columns stay aligned in a
// fixed-width font. Everything else passes through untouched.
func RenderMarkdown(text string) (string, []Entity) {
	r := &renderer{}
	lines := strings.Split(text, "\n")

	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])

		if strings.HasPrefix(trimmed, "```") {
			lang := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			j := i + 1
			var block []string
			for j < len(lines) && strings.TrimSpace(lines[j]) != "```" {
				block = append(block, lines[j])
				j++
			}
			// An unclosed fence swallows the rest of the message as code.
			r.writeEntity(EntityPre, lang, strings.Join(block, "\n"))
			r.writeText("\n")
			if j < len(lines) {
				j++ // closing fence
			}
			i = j
			continue
		}

		if isTableLine(trimmed) {
			var block []string
			for i < len(lines) && isTableLine(strings.TrimSpace(lines[i])) {
				block = append(block, lines[i])
				i++
			}
			r.writeEntity(EntityPre, "", strings.Join(block, "\n"))
			r.writeText("\n")
			continue
		}

		r.writeInline(lines[i])
		r.writeText("\n")
		i++
	}

	out := r.b.String()
	out = strings.TrimRight(out, "\n")
	return out, r.entities
}

// writeInline copies a line, turning matched `span` pairs into code entities.
// An unmatched backtick is left in place.
func (r *renderer) writeInline(line string) {
	rest := line
	for {
		open := strings.IndexByte(rest, '`')
		if open < 0 {
			r.writeText(rest)
			return
		}
		clos := strings.IndexByte(rest[open+1:], '`')
		if clos < 0 {
			r.writeText(rest)
			return
		}
		r.writeText(rest[:open])
		r.writeEntity(EntityCode, "", rest[open+1:open+1+clos])
		rest = rest[open+1+clos+1:]
	}
}

// isTableLine matches markdown table rows: pipe-delimited with at least two
// pipes so a lone "|" in prose does not trigger a block.
func isTableLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "|") && strings.Count(trimmed, "|") >= 2
}
