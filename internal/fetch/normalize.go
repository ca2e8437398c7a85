package fetch

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// normalizeRow rewrites driver values into their JSON friendly form in place.
func normalizeRow(row map[string]any) {
	for k, v := range row {
		row[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case [16]byte:
		return uuid.UUID(val).String()
	case time.Time:
		return val.UTC()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if f, err := val.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		if s, err := val.Value(); err == nil {
			return s
		}
		return nil
	case []any:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	case driver.Valuer:
		if dv, err := val.Value(); err == nil {
			return dv
		}
		return fmt.Sprint(val)
	default:
		return v
	}
}

// Checksum is a fast, non-cryptographic digest of a page, letting clients
// detect a corrupted transfer. Map keys are marshalled in sorted order so
// equal pages always produce equal checksums.
func Checksum(items []map[string]any) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode page for checksum: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data)), nil
}
