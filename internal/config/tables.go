package config

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

const (
	// FreshnessKindTimestamp marks a candidate stored as timestamp/timestamptz/date
	FreshnessKindTimestamp = "timestamp"

	// FreshnessKindText marks a candidate stored as free text holding an ISO date
	FreshnessKindText = "text"
)

// DefaultIDColumn is the primary key column of a table unless configured otherwise
const DefaultIDColumn = "id"

// FreshnessCandidate is a column that may encode when a row last changed
type FreshnessCandidate struct {
	Column string `yaml:"column"`
	Kind   string `yaml:"kind,omitempty"`
}

// Dependent describes a child table whose rows are removed with the parent
type Dependent struct {
	Table      string `yaml:"table"`
	ForeignKey string `yaml:"foreignKey"`
}

// TableConfig describes one synchronisable table
type TableConfig struct {
	// IDColumn is the column holding the client supplied record id
	IDColumn string `yaml:"idColumn,omitempty"`

	// Freshness lists candidate "changed at" columns in descending priority
	Freshness []FreshnessCandidate `yaml:"freshness,omitempty"`

	// PhotoFields are columns that may carry inline base64 images on push
	PhotoFields []string `yaml:"photoFields,omitempty"`

	// Dependents are deleted, and tombstoned, before the parent row
	Dependents []Dependent `yaml:"dependents,omitempty"`

	// Aliases maps alternate client field names onto storage column names
	Aliases map[string]string `yaml:"aliases,omitempty"`

	// Filter is an extra SQL predicate applied to pulls (e.g. "enabled IS NOT FALSE")
	Filter string `yaml:"filter,omitempty"`
}

// GetIDColumn returns the primary key column
func (t *TableConfig) GetIDColumn() string {
	if t.IDColumn == "" {
		return DefaultIDColumn
	}
	return t.IDColumn
}

// IsPhotoField reports whether field holds images that are externalised on push
func (t *TableConfig) IsPhotoField(field string) bool {
	return slices.Contains(t.PhotoFields, field)
}

// CanonicalField translates an alternate client spelling to its storage name
func (t *TableConfig) CanonicalField(field string) string {
	if canonical, ok := t.Aliases[field]; ok {
		return canonical
	}
	return field
}

func (t *TableConfig) validate() error {
	for i, c := range t.Freshness {
		if c.Column == "" {
			return fmt.Errorf("freshness[%d].column is required", i)
		}
		switch c.Kind {
		case "", FreshnessKindTimestamp, FreshnessKindText:
		default:
			return fmt.Errorf("freshness[%d].kind must be %q or %q, got %q",
				i, FreshnessKindTimestamp, FreshnessKindText, c.Kind)
		}
	}
	for i, d := range t.Dependents {
		if d.Table == "" || d.ForeignKey == "" {
			return fmt.Errorf("dependents[%d]: table and foreignKey are required", i)
		}
	}
	return nil
}

// Catalog is the set of tables that can be pulled and pushed, keyed by name
type Catalog map[string]*TableConfig

// Lookup returns the configuration of a known table
func (c Catalog) Lookup(name string) (*TableConfig, bool) {
	t, ok := c[name]
	return t, ok
}

// Names returns the known table names in sorted order
func (c Catalog) Names() []string {
	names := slices.Collect(maps.Keys(c))
	sort.Strings(names)
	return names
}

func ts(column string) FreshnessCandidate {
	return FreshnessCandidate{Column: column, Kind: FreshnessKindTimestamp}
}

func text(column string) FreshnessCandidate {
	return FreshnessCandidate{Column: column, Kind: FreshnessKindText}
}

// builtinTables returns a fresh copy of the tables known out of the box
func builtinTables() Catalog {
	return Catalog{
		"lojas": {
			IDColumn:    "id_loja",
			Freshness:   []FreshnessCandidate{ts("updated_at"), ts("atualizado_em"), text("ultima_alteracao"), ts("created_at"), ts("criado_em")},
			PhotoFields: []string{"img_loja"},
			Aliases:     map[string]string{"idLoja": "id_loja", "nomeLoja": "nome_loja"},
		},
		"mapeamentos": {
			Freshness:   []FreshnessCandidate{ts("atualizado_em"), ts("updated_at"), text("ultima_alteracao"), ts("criado_em"), ts("dcriacao")},
			PhotoFields: []string{"foto"},
			Aliases:     map[string]string{"idLoja": "id_loja", "possuiTef": "possui_tef"},
		},
		"funcionarios": {
			Freshness: []FreshnessCandidate{ts("atualizado_em"), ts("updated_at"), ts("criado_em")},
			Aliases:   map[string]string{"idLoja": "id_loja", "nomeFuncionario": "nome_funcionario"},
		},
		"auditoria": {
			Freshness:   []FreshnessCandidate{ts("atualizado_em"), ts("updated_at"), ts("criado_em"), ts("data_auditoria")},
			PhotoFields: []string{"assinatura_func"},
			Dependents:  []Dependent{{Table: "total", ForeignKey: "id_auditoria"}},
			Aliases:     map[string]string{"idLoja": "id_loja", "idRoteiro": "id_r_auditoria"},
		},
		"total": {
			Freshness: []FreshnessCandidate{
				ts("atualizado_em"), ts("updated_at"), ts("criado_em"),
				ts("d_audit"), ts("d_auditada"), ts("data_auditoria"),
			},
			PhotoFields: []string{"foto", "foto2", "foto3", "img01", "img02", "img03", "assinatura"},
			Aliases: map[string]string{
				"idLoja":      "id_loja",
				"idAuditoria": "id_auditoria",
				"qtdVendas":   "qtd_vendas",
			},
		},
		"roteiros": {
			IDColumn:   "id_roteiro",
			Freshness:  []FreshnessCandidate{ts("updated_at"), ts("created_at")},
			Dependents: []Dependent{{Table: "cadastro", ForeignKey: "id_roteiro"}},
		},
		"cadastro": {
			Freshness: []FreshnessCandidate{ts("updated_at"), ts("created_at")},
			Aliases:   map[string]string{"idRoteiro": "id_roteiro", "idLoja": "id_loja"},
		},
		"audit_rules": {
			Freshness: []FreshnessCandidate{ts("updated_at")},
			Aliases:   map[string]string{"tableName": "table_name"},
			Filter:    "(enabled IS NULL OR enabled = TRUE)",
		},
	}
}

// NewCatalog returns the built-in tables with overrides applied. An override
// replaces the built-in entry of the same name entirely.
func NewCatalog(overrides map[string]*TableConfig) Catalog {
	catalog := builtinTables()
	for name, table := range overrides {
		if table == nil {
			continue
		}
		for i := range table.Freshness {
			if table.Freshness[i].Kind == "" {
				table.Freshness[i].Kind = FreshnessKindTimestamp
			}
		}
		catalog[name] = table
	}
	return catalog
}
