package channels

// PageLimit is the per-message character budget imposed by the chat platform.
const PageLimit = 4000

// splitFloor is how far into the window a newline must fall to be used as a
// split point. Below it the page is hard-cut at the limit instead.
const splitFloor = 0.3

// Page is one message worth of text with entities re-based to its start.
type Page struct {
	Text     string
	Entities []Entity
}

// Paginate slices text into pages of at most limit runes. Each split prefers
// the last newline in the window, provided it sits in the upper 70% of the
// budget; the newline itself is dropped. Entities are clipped to page
// boundaries and their offsets re-based per page.
func Paginate(text string, entities []Entity, limit int) []Page {
	if limit <= 0 {
		limit = PageLimit
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var pages []Page
	base := 0
	for base < len(runes) {
		remaining := len(runes) - base
		if remaining <= limit {
			pages = append(pages, makePage(runes, entities, base, base+remaining))
			break
		}

		cut := limit
		skip := 0
		if nl := lastNewline(runes[base : base+limit]); float64(nl) >= splitFloor*float64(limit) {
			cut = nl
			skip = 1
		}
		pages = append(pages, makePage(runes, entities, base, base+cut))
		base += cut + skip
	}
	return pages
}

func makePage(runes []rune, entities []Entity, lo, hi int) Page {
	return Page{
		Text:     string(runes[lo:hi]),
		Entities: clipEntities(entities, lo, hi),
	}
}

// clipEntities keeps the portion of each entity that overlaps [lo, hi),
// shifted so offsets are relative to the page.
func clipEntities(entities []Entity, lo, hi int) []Entity {
	var out []Entity
	for _, e := range entities {
		start := max(e.Offset, lo)
		end := min(e.Offset+e.Length, hi)
		if end <= start {
			continue
		}
		out = append(out, Entity{
			Type:     e.Type,
			Offset:   start - lo,
			Length:   end - start,
			Language: e.Language,
		})
	}
	return out
}

func lastNewline(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	return -1
}
