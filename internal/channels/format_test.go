package channels_test

import (
	"strings"
	"testing"

	"github.com/basket/taskhub/internal/channels"
)

func TestRenderMarkdownInlineCode(t *testing.T) {
	text, ents := channels.RenderMarkdown("run `go vet` before pushing")
	if text != "run go vet before pushing" {
		t.Fatalf("text = %q", text)
	}
	if len(ents) != 1 {
		t.Fatalf("entities = %+v", ents)
	}
	e := ents[0]
	if e.Type != channels.EntityCode || e.Offset != 4 || e.Length != 6 {
		t.Fatalf("entity = %+v", e)
	}
	if got := text[e.Offset : e.Offset+e.Length]; got != "go vet" {
		t.Fatalf("entity covers %q", got)
	}
}

func TestRenderMarkdownFence(t *testing.T) {
	in := "before\n```go\nfmt.Println(1)\n```\nafter"
	text, ents := channels.RenderMarkdown(in)
	if !strings.Contains(text, "fmt.Println(1)") {
		t.Fatalf("text = %q", text)
	}
	if strings.Contains(text, "```") {
		t.Fatalf("fence markers leaked: %q", text)
	}
	if len(ents) != 1 {
		t.Fatalf("entities = %+v", ents)
	}
	e := ents[0]
	if e.Type != channels.EntityPre || e.Language != "go" {
		t.Fatalf("entity = %+v", e)
	}
	runes := []rune(text)
	if got := string(runes[e.Offset : e.Offset+e.Length]); got != "fmt.Println(1)" {
		t.Fatalf("entity covers %q", got)
	}
}

func TestRenderMarkdownUnclosedFence(t *testing.T) {
	text, ents := channels.RenderMarkdown("```\nraw tail")
	if text != "raw tail" {
		t.Fatalf("text = %q", text)
	}
	if len(ents) != 1 || ents[0].Type != channels.EntityPre {
		t.Fatalf("entities = %+v", ents)
	}
}

func TestRenderMarkdownTable(t *testing.T) {
	in := "results:\n| name | state |\n|---|---|\n| a | ok |"
	text, ents := channels.RenderMarkdown(in)
	if len(ents) != 1 || ents[0].Type != channels.EntityPre {
		t.Fatalf("entities = %+v", ents)
	}
	runes := []rune(text)
	block := string(runes[ents[0].Offset : ents[0].Offset+ents[0].Length])
	if !strings.HasPrefix(block, "| name | state |") || !strings.HasSuffix(block, "| a | ok |") {
		t.Fatalf("table block = %q", block)
	}
}

func TestRenderMarkdownPlainPassthrough(t *testing.T) {
	in := "just text\nwith lines"
	text, ents := channels.RenderMarkdown(in)
	if text != in || len(ents) != 0 {
		t.Fatalf("text = %q entities = %+v", text, ents)
	}
}

func TestRenderMarkdownUnmatchedBacktick(t *testing.T) {
	text, ents := channels.RenderMarkdown("a ` lone tick")
	if text != "a ` lone tick" || len(ents) != 0 {
		t.Fatalf("text = %q entities = %+v", text, ents)
	}
}
