package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bizmatch/pipeline/internal/pipeline"
)

// AttachmentStore is an in-memory pipeline.AttachmentStore.
type AttachmentStore struct {
	mu          sync.RWMutex
	attachments map[string]pipeline.Attachment
}

// NewAttachmentStore constructs an AttachmentStore.
func NewAttachmentStore() *AttachmentStore {
	return &AttachmentStore{attachments: make(map[string]pipeline.Attachment)}
}

// UpsertAttachment inserts or replaces an attachment by ID.
func (s *AttachmentStore) UpsertAttachment(_ context.Context, att pipeline.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments[att.ID] = att
	return nil
}

// GetAttachment fetches an attachment by ID.
func (s *AttachmentStore) GetAttachment(_ context.Context, attachmentID string) (pipeline.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	att, ok := s.attachments[attachmentID]
	if !ok {
		return pipeline.Attachment{}, pipeline.ErrNotFound
	}
	return att, nil
}

// ListUnparsed returns attachments awaiting a parse, oldest first,
// optionally filtered to one failure kind.
func (s *AttachmentStore) ListUnparsed(_ context.Context, limit int, kind pipeline.ParseErrorKind) ([]pipeline.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Attachment
	for _, att := range s.attachments {
		if !att.ShouldParse || att.IsParsed {
			continue
		}
		if kind != "" && att.ParseKind != kind {
			continue
		}
		out = append(out, att)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// MarkParsed records a successful parse.
func (s *AttachmentStore) MarkParsed(_ context.Context, attachmentID string, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attachments[attachmentID]
	if !ok {
		return pipeline.ErrNotFound
	}
	att.IsParsed = true
	att.ParsedContent = content
	att.ParseError = ""
	att.ParseKind = ""
	att.UpdatedAt = at
	s.attachments[attachmentID] = att
	return nil
}

// MarkParseFailed records a failed parse; the attachment stays eligible
// for retry on the next run.
func (s *AttachmentStore) MarkParseFailed(_ context.Context, attachmentID string, kind pipeline.ParseErrorKind, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attachments[attachmentID]
	if !ok {
		return pipeline.ErrNotFound
	}
	att.IsParsed = false
	att.ParsedContent = ""
	att.ParseError = msg
	att.ParseKind = kind
	att.UpdatedAt = at
	s.attachments[attachmentID] = att
	return nil
}

// MarkParseSkipped clears should_parse so the item is not retried
// indefinitely.
func (s *AttachmentStore) MarkParseSkipped(_ context.Context, attachmentID string, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attachments[attachmentID]
	if !ok {
		return pipeline.ErrNotFound
	}
	att.ShouldParse = false
	att.ParseError = reason
	att.ParseKind = pipeline.ParseKindEmptyFile
	att.UpdatedAt = at
	s.attachments[attachmentID] = att
	return nil
}

// SetBlobPath records where the attachment bytes were stored.
func (s *AttachmentStore) SetBlobPath(_ context.Context, attachmentID string, blobPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attachments[attachmentID]
	if !ok {
		return pipeline.ErrNotFound
	}
	att.BlobPath = blobPath
	s.attachments[attachmentID] = att
	return nil
}
