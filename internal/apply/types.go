package apply

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/checkapp/checkapp-sync-server/internal/conflict"
)

// ChangeType is the kind of mutation a change carries.
type ChangeType string

// Change types.
const (
	Create ChangeType = "CREATE"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// ProcessingOrder is the order in which the groups of a batch are applied.
var ProcessingOrder = []ChangeType{Create, Update, Delete}

// UnmarshalText accepts change types in any letter case.
func (t *ChangeType) UnmarshalText(text []byte) error {
	*t = ChangeType(strings.ToUpper(strings.TrimSpace(string(text))))
	return nil
}

// Valid reports whether t is one of the known change types.
func (t ChangeType) Valid() bool {
	return t == Create || t == Update || t == Delete
}

// ClientTime is a client supplied instant, sent either as unix milliseconds
// or as an RFC 3339 string.
type ClientTime struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ClientTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		c.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			c.Time = time.Time{}
			return nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			c.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		c.Time = t.UTC()
		return nil
	}

	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	c.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c ClientTime) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(c.UnixMilli())
}

// Change is one client originated mutation.
type Change struct {
	ID        string         `json:"id"`
	Type      ChangeType     `json:"type"`
	Table     string         `json:"table,omitempty"`
	RecordID  string         `json:"recordId"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp ClientTime     `json:"timestamp"`
	Version   int64          `json:"version,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Batch is the body of a push.
type Batch struct {
	Table    string            `json:"table"`
	Changes  []Change          `json:"changes"`
	Strategy conflict.Strategy `json:"conflictResolution"`
}

// ErrInvalidBatch is returned for batches without a table or changes.
var ErrInvalidBatch = errors.New("invalid batch: table and changes are required")

// Validate checks the shape of the batch.
func (b *Batch) Validate() error {
	if strings.TrimSpace(b.Table) == "" || b.Changes == nil {
		return ErrInvalidBatch
	}
	return nil
}

// Result reports what a push did.
type Result struct {
	Success           bool     `json:"success"`
	ChangesApplied    int      `json:"changesApplied"`
	ConflictsResolved int      `json:"conflictsResolved"`
	Errors            []string `json:"errors"`
	DeletedRecords    []string `json:"deletedRecords"`
}

// NewResult returns an empty successful result.
func NewResult() *Result {
	return &Result{Success: true, Errors: []string{}, DeletedRecords: []string{}}
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
