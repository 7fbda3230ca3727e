// Package note defines the note data model and its PostgreSQL store.
//
// The rebuild pipeline only reads notes; creating and editing them is the
// job of the surrounding application. The store therefore exposes the
// narrow read surface the pipeline and search need: eligible-note listing
// in ascending id order and hydration by id.
package note

import (
	"strings"
	"time"
)

// Note is a user note with its attachments.
type Note struct {
	ID          int64
	Title       string
	Content     string
	IsRecycle   bool
	Attachments []Attachment
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Attachment is a file attached to a note. Only text-bearing attachments
// are embeddable; images are skipped by the pipeline without an API call.
type Attachment struct {
	ID       int64
	NoteID   int64
	Filename string
	MimeType string
	// Text is the extracted textual content, empty when extraction is not
	// applicable (for example images).
	Text      string
	CreatedAt time.Time
}

// IsImage reports whether the attachment is an image by MIME type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}
