package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/checkapp/checkapp-sync-server/internal/blob"
	"github.com/checkapp/checkapp-sync-server/internal/freshness"
)

// DefaultBookkeepingFields are client side sync markers that never reach storage.
var DefaultBookkeepingFields = []string{
	"synced", "_synced", "sync_status", "syncStatus",
	"pending_sync", "pendingSync",
	"last_synced_at", "lastSyncedAt",
	"local_updated_at", "localUpdatedAt",
	"_dirty", "_deleted", "_localId",
}

// ErrUnknownField is returned in strict mode for fields that are not columns.
var ErrUnknownField = errors.New("unknown field")

// Normalizer turns the data of a change into the column values to write.
type Normalizer struct {
	bookkeeping  map[string]struct{}
	strict       bool
	uploader     blob.Uploader
	folderPrefix string
}

// NewNormalizer creates a normalizer. Extra bookkeeping names are stripped in
// addition to DefaultBookkeepingFields. A nil uploader drops inline images.
func NewNormalizer(uploader blob.Uploader, folderPrefix string, strict bool, extraBookkeeping ...string) *Normalizer {
	if uploader == nil {
		uploader = blob.Disabled{}
	}
	n := &Normalizer{
		bookkeeping:  make(map[string]struct{}),
		strict:       strict,
		uploader:     uploader,
		folderPrefix: folderPrefix,
	}
	for _, f := range DefaultBookkeepingFields {
		n.bookkeeping[f] = struct{}{}
	}
	for _, f := range extraBookkeeping {
		n.bookkeeping[f] = struct{}{}
	}
	return n
}

// Fields are normalized column values keyed by column name.
type Fields map[string]any

// Columns returns the column names in sorted order.
func (f Fields) Columns() []string {
	cols := make([]string, 0, len(f))
	for c := range f {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Normalize strips bookkeeping fields, applies aliases, keeps only columns
// the table has and externalises inline photos. The id column and the touch
// column are left out; the engine writes those itself.
func (n *Normalizer) Normalize(
	ctx context.Context, info *freshness.TableInfo, recordID string, data map[string]any,
) (Fields, error) {
	cfg := info.Config
	idColumn := cfg.GetIDColumn()
	fields := make(Fields, len(data))

	var unknown []string
	for key, value := range data {
		if _, skip := n.bookkeeping[key]; skip {
			continue
		}
		column := cfg.CanonicalField(key)
		if column == idColumn || column == info.Expression.Touch {
			continue
		}

		dataType, ok := info.Columns[column]
		if !ok {
			unknown = append(unknown, key)
			continue
		}

		if cfg.IsPhotoField(column) && blob.IsInlineImage(value) {
			path, err := n.externalize(ctx, info, recordID, column, value.(string), data)
			if err != nil {
				slog.Warn("Dropping photo field that could not be stored",
					"tenant", info.Tenant, "table", info.Table, "record_id", recordID,
					"field", column, "error", err)
				continue
			}
			value = path
		}

		coerced, err := coerceValue(dataType, value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		fields[column] = coerced
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)
		if n.strict {
			return nil, fmt.Errorf("%w: %s", ErrUnknownField, strings.Join(unknown, ", "))
		}
		slog.Debug("Ignoring fields that are not columns",
			"tenant", info.Tenant, "table", info.Table, "record_id", recordID, "fields", unknown)
	}
	return fields, nil
}

func (n *Normalizer) externalize(
	ctx context.Context, info *freshness.TableInfo, recordID, column, payload string, data map[string]any,
) (string, error) {
	img, err := blob.DecodeBase64Image(payload)
	if err != nil {
		return "", err
	}

	res, err := n.uploader.UploadBuffer(ctx, blob.UploadInput{
		Buffer:       img.Data,
		MimeType:     img.MimeType,
		ID:           recordID + "_" + column,
		FolderPrefix: n.folderPrefix + "/" + info.Table,
		OwnerID:      ownerOf(info, data),
	})
	if err != nil {
		return "", err
	}
	return res.FilePath, nil
}

// ownerOf returns the store the row belongs to, used to group uploads.
func ownerOf(info *freshness.TableInfo, data map[string]any) string {
	for key, value := range data {
		if info.Config.CanonicalField(key) != "id_loja" {
			continue
		}
		switch v := value.(type) {
		case string:
			return v
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// coerceValue converts a JSON decoded value into the Go type pgx encodes for
// a column of dataType (an information_schema data type).
func coerceValue(dataType string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch {
	case dataType == "json" || dataType == "jsonb":
		return value, nil

	case dataType == "smallint" || dataType == "integer" || dataType == "bigint":
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int64(v), nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", v)
			}
			return i, nil
		}

	case dataType == "numeric" || dataType == "real" || dataType == "double precision":
		switch v := value.(type) {
		case float64:
			return v, nil
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(strings.Replace(v, ",", ".", 1)), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", v)
			}
			return f, nil
		}

	case dataType == "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", v)
			}
			return b, nil
		}

	case strings.HasPrefix(dataType, "timestamp") || dataType == "date":
		switch v := value.(type) {
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		case string:
			if strings.TrimSpace(v) == "" {
				return nil, nil
			}
			return parseTime(strings.TrimSpace(v))
		}

	case dataType == "text" || dataType == "character varying" || dataType == "character":
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}
	}

	return value, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date", s)
}
