// Package records defines the input and output rows of an enrichment run and the
// stores they are read from and flushed to.
package records

import (
	"context"
	"strings"
)

// Column names shared by the input and output tables.
const (
	ColumnUsername   = "Username"
	ColumnUserID     = "User ID"
	ColumnProfileURL = "Profile URL"
	ColumnStatus     = "Status"
	ColumnEmail      = "Email"
)

// Status is the processing state of an input record.
type Status int

const (
	// StatusPending is the default for rows without a Status value.
	StatusPending Status = iota
	StatusDone
)

// String returns the value written to the Status column. Pending is written blank.
func (s Status) String() string {
	if s == StatusDone {
		return "Done"
	}
	return ""
}

// ParseStatus reads a Status column value. Anything but "done" is pending.
func ParseStatus(v string) Status {
	if strings.EqualFold(strings.TrimSpace(v), "done") {
		return StatusDone
	}
	return StatusPending
}

// InputRecord is one row of the input table.
type InputRecord struct {
	Username   string
	UserID     string
	ProfileURL string
	Status     Status

	// Extra holds columns the enricher does not interpret, keyed by header name.
	// They are written back unchanged.
	Extra map[string]string
}

// OutputRecord is one resolved contact.
type OutputRecord struct {
	Username   string
	UserID     string
	ProfileURL string
	Email      string
}

// OutputFrom builds the output row for a resolved input row.
func OutputFrom(in InputRecord, email string) OutputRecord {
	return OutputRecord{
		Username:   in.Username,
		UserID:     in.UserID,
		ProfileURL: in.ProfileURL,
		Email:      email,
	}
}

// InputStore holds the input table. Save overwrites it with the full record set.
type InputStore interface {
	Load(ctx context.Context) ([]InputRecord, error)
	Save(ctx context.Context, recs []InputRecord) error
}

// OutputStore holds resolved contacts. Load returns nothing when the store does
// not exist yet.
type OutputStore interface {
	Load(ctx context.Context) ([]OutputRecord, error)
	Append(ctx context.Context, recs []OutputRecord) error
	Replace(ctx context.Context, recs []OutputRecord) error
}

// ProfileSet returns the profile references present in recs.
func ProfileSet(recs []OutputRecord) map[string]struct{} {
	set := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		set[r.ProfileURL] = struct{}{}
	}
	return set
}
