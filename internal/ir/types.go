package ir

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DocID identifies a document. Always a hyphenated UUID string.
type DocID string

// RootID identifies the path index document. The empty path resolves to it.
const RootID DocID = "00000000-0000-0000-0000-000000000000"

// ParseDocID validates s as a UUID and returns it in canonical form.
func ParseDocID(s string) (DocID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return DocID(u.String()), nil
}

// String implements fmt.Stringer.
func (id DocID) String() string {
	return string(id)
}

// ContentKind tags the encoding of a document's content.
type ContentKind string

const (
	// KindText is a plain text sequence.
	KindText ContentKind = "text"
	// KindStructured is a JSON object of last-writer-wins fields.
	KindStructured ContentKind = "structured"
	// KindMarkup is XML/HTML-like text, stored as a sequence.
	KindMarkup ContentKind = "markup"
)

// ParseContentKind accepts a kind name or a MIME type.
func ParseContentKind(s string) (ContentKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "text/plain":
		return KindText, nil
	case "structured", "json", "application/json":
		return KindStructured, nil
	case "markup", "xml", "application/xml", "text/xml", "text/html":
		return KindMarkup, nil
	}
	return "", fmt.Errorf("unknown content kind %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindStructured, KindMarkup:
		return true
	}
	return false
}

// IsSequence reports whether documents of this kind are character sequences.
func (k ContentKind) IsSequence() bool {
	return k == KindText || k == KindMarkup
}

// MIME returns the media type used in path index entries.
func (k ContentKind) MIME() string {
	switch k {
	case KindStructured:
		return "application/json"
	case KindMarkup:
		return "application/xml"
	default:
		return "text/plain"
	}
}

// DefaultContent is the materialization of a document with no updates.
func (k ContentKind) DefaultContent() string {
	if k == KindStructured {
		return "{}"
	}
	return ""
}

// KindForName picks a content kind from a file name's extension.
func KindForName(name string) ContentKind {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return KindStructured
	case ".xml", ".html", ".htm", ".svg", ".xhtml":
		return KindMarkup
	default:
		return KindText
	}
}

// Document is the catalog record of a document known to a commit log.
type Document struct {
	ID        DocID       `json:"id"`
	Kind      ContentKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}

// Commit is one durable, sequenced application of an update to a document.
// Seq is assigned by the commit log at append time and is gap-free per
// document starting at 1. Commits are immutable once written.
type Commit struct {
	DocID     DocID     `json:"doc_id"`
	Seq       int64     `json:"seq"`
	Update    []byte    `json:"update"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}
