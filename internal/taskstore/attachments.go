package taskstore

import (
	"fmt"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxAttachmentSize is the per-file ceiling for inline attachments.
const MaxAttachmentSize = 5 * 1024 * 1024

// attachmentCacheSize bounds how many tasks may hold attachments at once.
// Attachments are cleared on dispatch or terminal transition, so eviction
// only matters when many tasks sit in backlog with files.
const attachmentCacheSize = 256

// Attachment is a small inline file bound to a task. Never persisted.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// SanitizeFilename strips any path components so a hostile filename cannot
// traverse directories on the agent side. Empty results become "file".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// ValidateAttachment checks the size ceiling and normalizes the filename.
func ValidateAttachment(att *Attachment) error {
	if len(att.Data) > MaxAttachmentSize {
		return fmt.Errorf("attachment %s exceeds %d bytes", att.Filename, MaxAttachmentSize)
	}
	att.Filename = SanitizeFilename(att.Filename)
	return nil
}

// AttachmentCache maps task ids to their in-memory attachments, LRU-bounded.
type AttachmentCache struct {
	cache *lru.Cache[string, []Attachment]
}

func NewAttachmentCache() *AttachmentCache {
	cache, _ := lru.New[string, []Attachment](attachmentCacheSize)
	return &AttachmentCache{cache: cache}
}

// Put stores the attachments for taskID, dropping any that fail validation.
func (c *AttachmentCache) Put(taskID string, atts []Attachment) {
	kept := make([]Attachment, 0, len(atts))
	for _, att := range atts {
		if err := ValidateAttachment(&att); err != nil {
			continue
		}
		kept = append(kept, att)
	}
	if len(kept) == 0 {
		return
	}
	c.cache.Add(taskID, kept)
}

// Get returns the attachments for taskID, if any.
func (c *AttachmentCache) Get(taskID string) ([]Attachment, bool) {
	return c.cache.Get(taskID)
}

// Clear drops the entry for taskID. Called on dispatch and on terminal
// transitions.
func (c *AttachmentCache) Clear(taskID string) {
	c.cache.Remove(taskID)
}

// Len reports how many tasks currently hold attachments.
func (c *AttachmentCache) Len() int {
	return c.cache.Len()
}
