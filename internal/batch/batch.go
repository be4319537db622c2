// Package batch holds the values that flow through a delivery run: the
// catalog rows selected for shipping, the storage targets derived from
// them, and the per-file outcomes reported by the transfer workers.
package batch

import (
	"fmt"
	"path"
	"strings"

	"github.com/BadgerOps/dmfship/internal/apperr"
)

// TemplateType selects the eligibility query and manifest layout.
type TemplateType string

const (
	Contratto TemplateType = "CONTRATTO"
	Digital   TemplateType = "DIGITAL"
	SOAS      TemplateType = "SOAS"
	CGA       TemplateType = "CGA"
)

// TemplateTypes lists every recognized template type.
var TemplateTypes = []TemplateType{Contratto, Digital, SOAS, CGA}

// ParseTemplateType validates s against the known template types.
func ParseTemplateType(s string) (TemplateType, error) {
	t := TemplateType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case Contratto, Digital, SOAS, CGA:
		return t, nil
	}
	return "", apperr.New("parse template type", apperr.ErrTemplateType, fmt.Errorf("%q", s))
}

// MetadataOnly reports whether rows of this template are never moved
// forward in the catalog after delivery.
func (t TemplateType) MetadataOnly() bool {
	return t == CGA
}

// Archival states of a catalog row.
const (
	StatusReady    = "READY"
	StatusArchived = "ARCHIVED"
	StatusSkipped  = "ARCHIVAL SKIPPED"
)

// Column names shared by every template.
const (
	ColumnInput  = "input_file_name"
	ColumnOutput = "output_file_name"
)

// Field is one column of a catalog row, in query order.
type Field struct {
	Name  string
	Value string
	Null  bool
}

// Job is one eligible catalog row.
type Job struct {
	InputID  string
	OutputID string
	Fields   []Field
}

// Batch is the ordered set of jobs fetched for one run.
type Batch []Job

// InputIDs returns the input identifiers in batch order.
func (b Batch) InputIDs() []string {
	ids := make([]string, 0, len(b))
	for _, j := range b {
		ids = append(ids, j.InputID)
	}
	return ids
}

// Target is the storage object to ship for one job.
type Target struct {
	Bucket   string
	Key      string
	OutputID string
	InputID  string
}

// Filename is the name the object gets on the remote side.
func (t Target) Filename() string {
	return path.Base(t.Key)
}

// Targets resolves every job under prefix in bucket.
func (b Batch) Targets(bucket, prefix string) []Target {
	targets := make([]Target, 0, len(b))
	for _, j := range b {
		targets = append(targets, Target{
			Bucket:   bucket,
			Key:      path.Join(prefix, j.OutputID),
			OutputID: j.OutputID,
			InputID:  j.InputID,
		})
	}
	return targets
}

// Status is the result of shipping one target.
type Status string

const (
	Transferred     Status = "TRANSFERRED"
	Failed          Status = "FAILED"
	SkippedNotFound Status = "SKIPPED-NOT-FOUND"
)

// Outcome records what happened to one target.
type Outcome struct {
	Target Target
	Status Status
	Err    error
	// Bytes written to the remote side; zero unless Transferred.
	Bytes int64
}

// Filename is the remote name of the outcome's target.
func (o Outcome) Filename() string {
	return o.Target.Filename()
}
