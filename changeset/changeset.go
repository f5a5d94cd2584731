// Package changeset records file mutations performed by tools during one
// agent turn and supports reviewing, accepting, and rolling them back later.
package changeset

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// FileType classifies what happened to one file over the course of a turn.
type FileType string

const (
	FileTypeEdit   FileType = "edit"
	FileTypeCreate FileType = "create"
	FileTypeDelete FileType = "delete"
)

// FileStatus is the review state of one changed file.
type FileStatus string

const (
	// FileStatusApplied is the initial state: the change is on disk and not
	// yet reviewed.
	FileStatusApplied    FileStatus = "applied"
	FileStatusAccepted   FileStatus = "accepted"
	FileStatusRolledBack FileStatus = "rolled_back"
)

// Status is the aggregate review state of a ChangeSet, derived from its
// file statuses.
type Status string

const (
	StatusApplied         Status = "applied"
	StatusRolledBack      Status = "rolled_back"
	StatusPartialRollback Status = "partial_rollback"
)

// ChangeFile is the persisted record of one file's change within a turn.
type ChangeFile struct {
	Path          string     `json:"path"`
	Type          FileType   `json:"type"`
	Status        FileStatus `json:"status"`
	BeforeExists  bool       `json:"beforeExists"`
	BeforeContent string     `json:"beforeContent"`
	BeforeHash    string     `json:"beforeHash"`
	AfterContent  string     `json:"afterContent"`
	AfterHash     string     `json:"afterHash"`
	LinesAdded    int        `json:"linesAdded"`
	LinesRemoved  int        `json:"linesRemoved"`
}

// ChangeSet is the finalized, persisted record of the file mutations of one
// turn.
type ChangeSet struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	CreatedAt      time.Time    `json:"createdAt"`
	Status         Status       `json:"status"`
	Files          []ChangeFile `json:"files"`
}

// DeriveStatus recomputes the aggregate status from the file statuses.
func (cs *ChangeSet) DeriveStatus() {
	rolledBack := 0
	for _, f := range cs.Files {
		if f.Status == FileStatusRolledBack {
			rolledBack++
		}
	}
	switch {
	case rolledBack == 0:
		cs.Status = StatusApplied
	case rolledBack == len(cs.Files):
		cs.Status = StatusRolledBack
	default:
		cs.Status = StatusPartialRollback
	}
}

// hashContent returns the sha256 hex digest of content.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// diffStats approximates added/removed line counts via a line-set
// difference. This is not a real diff; moved or duplicated lines are
// miscounted. Good enough for summary display, nothing else.
func diffStats(before, after string) (added, removed int) {
	beforeSet := lineSet(before)
	afterSet := lineSet(after)
	for line := range afterSet {
		if !beforeSet[line] {
			added++
		}
	}
	for line := range beforeSet {
		if !afterSet[line] {
			removed++
		}
	}
	return added, removed
}

func lineSet(content string) map[string]bool {
	set := make(map[string]bool)
	if content == "" {
		return set
	}
	for _, line := range strings.Split(content, "\n") {
		set[line] = true
	}
	return set
}
