package api

import (
	"time"

	"github.com/checkapp/checkapp-sync-server/internal/fetch"
	"github.com/checkapp/checkapp-sync-server/internal/tombstone"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string `json:"status"`
}

// PullResponse is one page of changes of a table.
type PullResponse struct {
	Success    bool                  `json:"success"`
	Schema     string                `json:"schema"`
	Table      string                `json:"table"`
	Items      []map[string]any      `json:"items"`
	Deleted    []tombstone.Tombstone `json:"deleted"`
	HasMore    bool                  `json:"hasMore"`
	NextCursor string                `json:"nextCursor,omitempty"`
	NextSince  *time.Time            `json:"nextSince,omitempty"`
	Checksum   string                `json:"checksum,omitempty"`
	Fetched    int                   `json:"fetched"`
	Full       bool                  `json:"full"`
	FetchedAt  time.Time             `json:"fetchedAt"`
	Errors     []string              `json:"errors,omitempty"`
}

func pullFailure(schema, table, message string) PullResponse {
	return PullResponse{
		Schema:    schema,
		Table:     table,
		Items:     []map[string]any{},
		Deleted:   []tombstone.Tombstone{},
		FetchedAt: time.Now().UTC(),
		Errors:    []string{message},
	}
}

func pullSuccess(schema string, res *fetch.Result) PullResponse {
	return PullResponse{
		Success:    true,
		Schema:     schema,
		Table:      res.Table,
		Items:      res.Items,
		Deleted:    res.Deleted,
		HasMore:    res.HasMore,
		NextCursor: res.NextCursor,
		NextSince:  res.NextSince,
		Checksum:   res.Checksum,
		Fetched:    res.Fetched,
		Full:       res.Full,
		FetchedAt:  res.FetchedAt,
	}
}

// NotImplementedResponse is returned by placeholder routes.
type NotImplementedResponse struct {
	Message string `json:"message"`
}
