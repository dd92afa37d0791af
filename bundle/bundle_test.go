package bundle

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/veldra/plugin-host/errors"
)

func zipBundle(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestReadBundle(t *testing.T) {
	module := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	data := zipBundle(t, map[string][]byte{
		ManifestName: []byte(validManifest),
		ModuleName:   module,
		"README.md":  []byte("extra entries are ignored"),
	})

	b, err := Read(data)
	require.NoError(t, err)
	assert.Equal(t, "greeter", b.Manifest.Name)
	assert.Equal(t, module, b.Module)
}

func TestReadBundleFailures(t *testing.T) {
	wasm := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	tests := []struct {
		name string
		data func(t *testing.T) []byte
		kind errs.Kind
	}{
		{
			name: "not a zip",
			data: func(t *testing.T) []byte { return []byte("garbage") },
			kind: errs.KindCorruptArchive,
		},
		{
			name: "no manifest",
			data: func(t *testing.T) []byte {
				return zipBundle(t, map[string][]byte{ModuleName: wasm})
			},
			kind: errs.KindMissingManifest,
		},
		{
			name: "two manifests",
			data: func(t *testing.T) []byte {
				return zipBundle(t, map[string][]byte{
					ManifestName:           []byte(validManifest),
					"nested/" + ManifestName: []byte(validManifest),
					ModuleName:             wasm,
				})
			},
			kind: errs.KindMissingManifest,
		},
		{
			name: "no module",
			data: func(t *testing.T) []byte {
				return zipBundle(t, map[string][]byte{ManifestName: []byte(validManifest)})
			},
			kind: errs.KindMissingModule,
		},
		{
			name: "invalid manifest inside archive",
			data: func(t *testing.T) []byte {
				return zipBundle(t, map[string][]byte{
					ManifestName: []byte("name: Not Valid"),
					ModuleName:   wasm,
				})
			},
			kind: errs.KindSchemaViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(tt.data(t))
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.True(t, errs.IsLoad(err))
		})
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(t.TempDir() + "/nope.zip")
	require.Error(t, err)
	assert.Equal(t, errs.KindCorruptArchive, errs.KindOf(err))
}
