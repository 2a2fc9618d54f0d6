package taskstore_test

import (
	"strings"
	"testing"

	"github.com/basket/taskhub/internal/taskstore"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"/abs/path/x.txt", "x.txt"},
		{`..\..\windows\system32\evil.exe`, "evil.exe"},
		{"", "file"},
		{"..", "file"},
		{"  spaced.txt  ", "spaced.txt"},
	}
	for _, tc := range cases {
		if got := taskstore.SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAttachmentSizeCeiling(t *testing.T) {
	cache := taskstore.NewAttachmentCache()

	oversized := taskstore.Attachment{
		Filename: "big.bin",
		MimeType: "application/octet-stream",
		Data:     make([]byte, taskstore.MaxAttachmentSize+1),
	}
	ok := taskstore.Attachment{
		Filename: "ok.txt",
		MimeType: "text/plain",
		Data:     []byte("hello"),
	}
	cache.Put("t1", []taskstore.Attachment{oversized, ok})

	atts, found := cache.Get("t1")
	if !found || len(atts) != 1 || atts[0].Filename != "ok.txt" {
		t.Fatalf("oversized attachment not dropped: %v", atts)
	}
}

func TestAttachmentClearAndEviction(t *testing.T) {
	cache := taskstore.NewAttachmentCache()
	cache.Put("t1", []taskstore.Attachment{{Filename: "a.txt", Data: []byte("x")}})

	cache.Clear("t1")
	if _, found := cache.Get("t1"); found {
		t.Fatal("entry survives Clear")
	}

	// Traversal names are normalized before storage.
	cache.Put("t2", []taskstore.Attachment{{
		Filename: "../../secret", Data: []byte(strings.Repeat("y", 10)),
	}})
	atts, _ := cache.Get("t2")
	if atts[0].Filename != "secret" {
		t.Fatalf("filename not sanitized: %q", atts[0].Filename)
	}
}
