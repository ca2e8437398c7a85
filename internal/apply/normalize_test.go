package apply

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/checkapp/checkapp-sync-server/internal/blob"
	"github.com/checkapp/checkapp-sync-server/internal/blob/mocks"
	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/freshness"
)

func totalInfo() *freshness.TableInfo {
	cfg, _ := config.NewCatalog(nil).Lookup("total")
	columns := map[string]string{
		"id":             "text",
		"id_auditoria":   "text",
		"id_loja":        "text",
		"valor":          "numeric",
		"qtd_vendas":     "integer",
		"foto":           "text",
		"foto2":          "text",
		"data_auditoria": "timestamp with time zone",
		"criado_em":      "timestamp with time zone",
		"atualizado_em":  "timestamp with time zone",
	}
	return &freshness.TableInfo{
		Tenant:     "loja_teste",
		Table:      "total",
		Config:     cfg,
		Columns:    columns,
		Expression: freshness.Build(cfg.Freshness, columns),
	}
}

func pngDataURI() string {
	data := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil, "fotos", false, "rascunho")
	fields, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{
		"id":            "T1",
		"idLoja":        "L1",
		"valor":         100.5,
		"qtdVendas":     "12",
		"synced":        false,
		"rascunho":      true,
		"atualizado_em": "2020-01-01T00:00:00Z",
		"nao_existe":    "x",
		"foto":          "img_checkapp/sync_images/total/L1.FOTO.1.jpg",
	})
	require.NoError(t, err)

	assert.Equal(t, Fields{
		"id_loja":    "L1",
		"valor":      100.5,
		"qtd_vendas": int64(12),
		"foto":       "img_checkapp/sync_images/total/L1.FOTO.1.jpg",
	}, fields)
	assert.Equal(t, []string{"foto", "id_loja", "qtd_vendas", "valor"}, fields.Columns())
}

func TestNormalize_Strict(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil, "", true)
	_, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{
		"valor":  1.0,
		"zzz":    1,
		"campoX": 2,
	})
	require.ErrorIs(t, err, ErrUnknownField)
	assert.ErrorContains(t, err, "campoX, zzz")

	_, err = n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{"valor": 1.0, "synced": true})
	assert.NoError(t, err)
}

func TestNormalize_InvalidValue(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil, "", false)
	_, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{"qtdVendas": 1.5})
	assert.ErrorContains(t, err, "qtdVendas")
}

func TestNormalize_Photos(t *testing.T) {
	t.Parallel()

	t.Run("inline image is uploaded and replaced by its path", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		uploader := mocks.NewMockUploader(ctrl)

		uploader.EXPECT().
			UploadBuffer(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, in blob.UploadInput) (*blob.UploadResult, error) {
				assert.Equal(t, "image/png", in.MimeType)
				assert.Equal(t, "T1_foto", in.ID)
				assert.Equal(t, "L1", in.OwnerID)
				assert.Equal(t, "fotos/total", in.FolderPrefix)
				assert.NotEmpty(t, in.Buffer)
				return &blob.UploadResult{FilePath: "fotos/total/L1.FOTO.5.png"}, nil
			})

		n := NewNormalizer(uploader, "fotos", false)
		fields, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{
			"foto":   pngDataURI(),
			"idLoja": "L1",
		})
		require.NoError(t, err)
		assert.Equal(t, "fotos/total/L1.FOTO.5.png", fields["foto"])
	})

	t.Run("upload failure drops only that field", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		uploader := mocks.NewMockUploader(ctrl)
		uploader.EXPECT().UploadBuffer(gomock.Any(), gomock.Any()).Return(nil, errors.New("quota exceeded"))

		n := NewNormalizer(uploader, "fotos", false)
		fields, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{
			"foto":  pngDataURI(),
			"valor": 10.0,
		})
		require.NoError(t, err)
		assert.NotContains(t, fields, "foto")
		assert.Equal(t, 10.0, fields["valor"])
	})

	t.Run("inline image in a non photo field is stored as is", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		uploader := mocks.NewMockUploader(ctrl)

		n := NewNormalizer(uploader, "fotos", false)
		fields, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{"id_loja": pngDataURI()})
		require.NoError(t, err)
		assert.Equal(t, pngDataURI(), fields["id_loja"])
	})

	t.Run("oversized bare image is dropped without uploading", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		uploader := mocks.NewMockUploader(ctrl)

		png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, blob.MaxImageBytes)...)
		n := NewNormalizer(uploader, "fotos", false)
		fields, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{
			"foto":  base64.StdEncoding.EncodeToString(png),
			"valor": 10.0,
		})
		require.NoError(t, err)
		assert.NotContains(t, fields, "foto")
		assert.Equal(t, 10.0, fields["valor"])
	})

	t.Run("without uploader the field is dropped", func(t *testing.T) {
		t.Parallel()
		n := NewNormalizer(nil, "fotos", false)
		fields, err := n.Normalize(context.Background(), totalInfo(), "T1", map[string]any{"foto": pngDataURI()})
		require.NoError(t, err)
		assert.Empty(t, fields)
	})
}

func TestCoerceValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dataType string
		value    any
		want     any
		wantErr  bool
	}{
		{name: "nil", dataType: "integer", value: nil, want: nil},
		{name: "whole float to integer", dataType: "integer", value: 42.0, want: int64(42)},
		{name: "fraction to integer", dataType: "bigint", value: 4.2, wantErr: true},
		{name: "string to integer", dataType: "smallint", value: " 7 ", want: int64(7)},
		{name: "empty string to integer", dataType: "integer", value: "", want: nil},
		{name: "decimal comma", dataType: "numeric", value: "10,5", want: 10.5},
		{name: "bad number", dataType: "numeric", value: "dez", wantErr: true},
		{name: "number to boolean", dataType: "boolean", value: 1.0, want: true},
		{name: "string to boolean", dataType: "boolean", value: "false", want: false},
		{name: "millis to timestamp", dataType: "timestamp with time zone", value: 1700000000000.0,
			want: time.UnixMilli(1700000000000).UTC()},
		{name: "iso to timestamp", dataType: "timestamp without time zone", value: "2024-05-01 10:00:00",
			want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "iso to date", dataType: "date", value: "2024-05-01", want: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{name: "bad date", dataType: "date", value: "amanha", wantErr: true},
		{name: "number to text", dataType: "text", value: 12.0, want: "12"},
		{name: "object to text", dataType: "character varying", value: map[string]any{"a": 1.0}, want: `{"a":1}`},
		{name: "object to jsonb", dataType: "jsonb", value: map[string]any{"a": 1.0}, want: map[string]any{"a": 1.0}},
		{name: "unknown type passes through", dataType: "uuid", value: "abc", want: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := coerceValue(tt.dataType, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
