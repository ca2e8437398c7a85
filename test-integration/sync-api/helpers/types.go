package helpers

import "time"

// PullPage mirrors the pull response.
type PullPage struct {
	Success    bool             `json:"success"`
	Schema     string           `json:"schema"`
	Table      string           `json:"table"`
	Items      []map[string]any `json:"items"`
	Deleted    []Deletion       `json:"deleted"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor"`
	NextSince  *time.Time       `json:"nextSince"`
	Fetched    int              `json:"fetched"`
	Full       bool             `json:"full"`
	Errors     []string         `json:"errors"`
}

// Deletion mirrors a tombstone.
type Deletion struct {
	Table     string    `json:"table"`
	RecordID  string    `json:"recordId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// PushResult mirrors the push response.
type PushResult struct {
	Success           bool     `json:"success"`
	ChangesApplied    int      `json:"changesApplied"`
	ConflictsResolved int      `json:"conflictsResolved"`
	Errors            []string `json:"errors"`
	DeletedRecords    []string `json:"deletedRecords"`
}

// Change builds one change of a push batch.
func Change(typ, recordID string, data map[string]any) map[string]any {
	c := map[string]any{
		"id":        typ + "-" + recordID,
		"type":      typ,
		"recordId":  recordID,
		"timestamp": time.Now().UnixMilli(),
	}
	if data != nil {
		c["data"] = data
	}
	return c
}

// Batch builds a push body.
func Batch(table string, changes ...map[string]any) map[string]any {
	return map[string]any{"table": table, "changes": changes}
}
