// Package rules serves the audit rule catalogue mobile clients validate
// records against: built-in defaults followed by the tenant's own rules.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/checkapp/checkapp-sync-server/internal/cursor"
	"github.com/checkapp/checkapp-sync-server/internal/fetch"
)

// Table is the tenant table holding custom rules.
const Table = "audit_rules"

// DefaultUpdatedAt is the change time of every built-in rule.
var DefaultUpdatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Rule is one validation rule.
type Rule struct {
	ID        string         `json:"id"`
	Table     string         `json:"table"`
	Field     string         `json:"field"`
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	Version   int            `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
	Enabled   bool           `json:"enabled"`
}

// Defaults returns the built-in rules.
func Defaults() []Rule {
	return []Rule{
		{
			ID: "total_valor_min_0", Table: "total", Field: "valor", Type: "MIN", Severity: "HIGH",
			Message:  "O campo Valor não pode ser negativo.",
			Metadata: map[string]any{"min": 0.0, "inclusive": true},
			Version:  1, UpdatedAt: DefaultUpdatedAt, Enabled: true,
		},
		{
			ID: "total_qtd_vendas_min_0", Table: "total", Field: "qtd_vendas", Type: "MIN", Severity: "MEDIUM",
			Message:  "Quantidade de vendas não pode ser negativa.",
			Metadata: map[string]any{"min": 0, "inclusive": true},
			Version:  1, UpdatedAt: DefaultUpdatedAt, Enabled: true,
		},
		{
			ID: "total_foto_maquininha_required", Table: "total", Field: "foto", Type: "REQUIRED", Severity: "MEDIUM",
			Message:  "Foto principal é obrigatória para auditorias de Maquininha.",
			Metadata: map[string]any{"requires_tipo": []string{"MAQUININHA"}, "allow_when_offline": false},
			Version:  1, UpdatedAt: DefaultUpdatedAt, Enabled: true,
		},
		{
			ID: "total_valor_maquininha_min_100", Table: "total", Field: "valor", Type: "MIN", Severity: "LOW",
			Message:  "Valores inferiores a R$100 em Maquininha exigem revisão.",
			Metadata: map[string]any{"min": 100.0, "inclusive": false, "requires_tipo": []string{"MAQUININHA"}},
			Version:  1, UpdatedAt: DefaultUpdatedAt, Enabled: true,
		},
	}
}

// Puller pulls pages of a tenant table.
type Puller interface {
	Pull(ctx context.Context, tenant, table string, opts fetch.Options) (*fetch.Result, error)
}

// Request selects the rules to list.
type Request struct {
	Since  *time.Time
	Cursor string
	Limit  int
	Full   bool
}

// List is a page of rules.
type List struct {
	Success    bool       `json:"success"`
	Schema     string     `json:"schema"`
	Count      int        `json:"count"`
	Rules      []Rule     `json:"rules"`
	FetchedAt  time.Time  `json:"fetchedAt"`
	HasMore    bool       `json:"hasMore"`
	NextCursor string     `json:"nextCursor,omitempty"`
	NextSince  *time.Time `json:"nextSince,omitempty"`
	Checksum   string     `json:"checksum,omitempty"`
	Fetched    int        `json:"fetched"`
	Full       bool       `json:"full"`
	Errors     []string   `json:"errors,omitempty"`
}

// Service lists rules.
type Service struct {
	puller Puller
	now    func() time.Time
}

// NewService creates a rules service reading tenant rules through puller.
func NewService(puller Puller) *Service {
	return &Service{puller: puller, now: time.Now}
}

// List returns the defaults changed after the baseline followed by one page
// of tenant rules. A failed tenant query is reported in Errors and the
// defaults are still returned.
func (s *Service) List(ctx context.Context, tenant string, req Request) *List {
	var position *cursor.Position
	if req.Cursor != "" {
		if pos, err := cursor.Decode(req.Cursor); err == nil {
			position = &pos
		}
	}

	baseline := fetch.Epoch
	switch {
	case position != nil:
		baseline = position.Freshness
	case req.Since != nil:
		baseline = req.Since.UTC()
	}

	list := &List{
		Schema:    tenant,
		Rules:     []Rule{},
		FetchedAt: s.now().UTC(),
		Full:      (req.Full || (req.Since == nil && position == nil)) && position == nil,
	}

	for _, r := range Defaults() {
		if r.UpdatedAt.After(baseline) {
			list.Rules = append(list.Rules, r)
		}
	}

	page, err := s.puller.Pull(ctx, tenant, Table, fetch.Options{Since: req.Since, Cursor: req.Cursor, Limit: req.Limit})
	if err != nil {
		slog.Error("Failed to pull tenant rules", "tenant", tenant, "error", err)
		list.Errors = append(list.Errors, err.Error())
		list.NextSince = &baseline
		if position != nil {
			list.NextCursor = req.Cursor
		}
	} else {
		for _, item := range page.Items {
			list.Rules = append(list.Rules, ruleFromRow(item))
		}
		list.HasMore = page.HasMore
		list.NextCursor = page.NextCursor
		list.NextSince = page.NextSince
	}

	list.Count = len(list.Rules)
	list.Fetched = len(list.Rules)
	list.Checksum = checksum(list.Rules)
	list.Success = len(list.Errors) == 0
	return list
}

func checksum(rules []Rule) string {
	if len(rules) == 0 {
		return ""
	}
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = r.ID + "-" + r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(parts, "|")))
}

func ruleFromRow(row map[string]any) Rule {
	r := Rule{
		ID:       stringOf(row["id"]),
		Table:    stringOf(row["table_name"]),
		Field:    stringOf(row["field"]),
		Type:     stringOf(row["type"]),
		Severity: stringOf(row["severity"]),
		Message:  stringOf(row["message"]),
		Version:  1,
		Enabled:  true,
	}
	if r.Table == "" {
		r.Table = "total"
	}
	if r.Severity == "" {
		r.Severity = "MEDIUM"
	}

	switch m := row["metadata"].(type) {
	case map[string]any:
		r.Metadata = m
	case string:
		if err := json.Unmarshal([]byte(m), &r.Metadata); err != nil {
			r.Metadata = nil
		}
	}

	switch v := row["version"].(type) {
	case int32:
		r.Version = int(v)
	case int64:
		r.Version = int(v)
	case float64:
		r.Version = int(v)
	}

	if enabled, ok := row["enabled"].(bool); ok {
		r.Enabled = enabled
	}

	switch ts := row["updated_at"].(type) {
	case time.Time:
		r.UpdatedAt = ts.UTC()
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.UpdatedAt = t.UTC()
		}
	}
	return r
}

func stringOf(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
