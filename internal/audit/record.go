// Package audit provides the append-only conversation log: one immutable
// CSV record per user or assistant message, keyed like the remote object
// store the records are eventually shipped to.
package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"time"

	"kaiwa/internal/domain"
)

// JST is the fixed timestamp zone used for record keys and created_at values.
var JST = time.FixedZone("JST", 9*60*60)

const (
	// createdAtLayout matches the upstream analytics pipeline's expectation.
	createdAtLayout = "2006-01-02 15:04:05.000000"
	keyDateLayout   = "20060102"

	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one logged message transition.
type Record struct {
	CreatedAt time.Time
	TreeID    string
	ParentID  string
	RecordID  string
	Role      string
	Message   string
}

// Key returns the object key for the record:
// {bucket}/{keyPrefix}/{yyyymmdd}/{record_id}.csv
func (r Record) Key(bucket, keyPrefix string) string {
	return path.Join(bucket, keyPrefix, r.CreatedAt.In(JST).Format(keyDateLayout), r.RecordID+".csv")
}

// CSV encodes the record as a header row plus one data row, columns in the
// order the downstream consumers expect.
func (r Record) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{
		{"created_at", "tree_uuid", "parent_uuid", "uuid", "role", "message"},
		{r.CreatedAt.In(JST).Format(createdAtLayout), r.TreeID, r.ParentID, r.RecordID, r.Role, r.Message},
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return buf.Bytes(), nil
}

// LastRecord derives the audit record for the most recent turn transition.
// A pending assistant slot means the transition being logged is the user
// message; a filled slot means it is the assistant reply. Returns false when
// the conversation is empty or the identity list has not been reconciled yet.
func LastRecord(turns []domain.Turn, ids []domain.IdentityPair, now time.Time) (Record, bool) {
	if len(turns) == 0 || len(ids) == 0 || len(turns) != len(ids) {
		return Record{}, false
	}

	last := len(turns) - 1
	rec := Record{
		CreatedAt: now,
		TreeID:    ids[0].User,
	}

	if ids[last].Assistant == "" {
		rec.Role = RoleUser
		rec.Message = turns[last].User
		rec.RecordID = ids[last].User
		if last >= 1 {
			rec.ParentID = ids[last-1].Assistant
		} else {
			// The first turn of a conversation parents itself.
			rec.ParentID = ids[last].User
		}
	} else {
		rec.Role = RoleAssistant
		rec.Message = turns[last].Assistant
		rec.RecordID = ids[last].Assistant
		rec.ParentID = ids[last].User
	}

	return rec, true
}
