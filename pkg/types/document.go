package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle state of a note
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Document is the read-only projection of a note owned by the document store
type Document struct {
	ID          string
	Title       string
	Body        string
	Tags        []string
	Type        string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ContentHash string // hex SHA-256 of the normalized embedding text
}

// Normalize fills derived fields: content hash, canonical tags, default status and timestamps
func (d *Document) Normalize() {
	d.Tags = NormalizeTags(d.Tags)
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	if d.Status == "" {
		d.Status = StatusActive
	}
	if d.ContentHash == "" {
		d.ContentHash = ComputeContentHash(d.EmbeddingText())
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
}

// EmbeddingText is the part of the note that is embedded: the body, or the
// title when the body is blank
func (d *Document) EmbeddingText() string {
	if body := strings.TrimSpace(d.Body); body != "" {
		return body
	}
	return strings.TrimSpace(d.Title)
}

// Validate checks if the document can be indexed
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrInvalidDocumentID
	}
	if !d.Status.Valid() {
		return ErrInvalidStatus
	}
	if strings.TrimSpace(d.Title) == "" && strings.TrimSpace(d.Body) == "" {
		return ErrEmptyDocument
	}
	return nil
}

// HasAllTags reports whether the document carries every tag in tags
func (d *Document) HasAllTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(d.Tags))
	for _, t := range d.Tags {
		have[t] = struct{}{}
	}
	for _, t := range NormalizeTags(tags) {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// NormalizeBody canonicalizes line endings and trailing whitespace so that
// cosmetic edits do not change the content hash
func NormalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ComputeContentHash returns the change-detection key for embedded text
func ComputeContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeBody(text)))
	return hex.EncodeToString(sum[:])
}

// NormalizeTags lowercases, strips '#', removes blanks and duplicates, and sorts
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(t), "#")))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
