package plugintest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"

	pluginhost "github.com/veldra/plugin-host"
	"github.com/veldra/plugin-host/bundle"
)

// ManifestYAML renders a minimal valid plugin.yaml for the given name and
// capability set, declaring ABI 1.0 and no event filters.
func ManifestYAML(name string, caps ...pluginhost.Capability) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\nversion: 1.0.0\nabi:\n  major: 1\n  minor: 0\n", name)
	if len(caps) > 0 {
		b.WriteString("capabilities:\n")
		for _, c := range caps {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	return []byte(b.String())
}

// Zip packs arbitrary entries into an archive.
func Zip(entries map[string][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(data); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// BundleBytes packs a manifest and module into a well-formed bundle archive.
func BundleBytes(manifest, module []byte) []byte {
	return Zip(map[string][]byte{
		bundle.ManifestName: manifest,
		bundle.ModuleName:   module,
	})
}

// MustBundle parses a fixture archive, panicking on failure. Fixtures are
// host-authored; a parse failure is a broken fixture, not a test subject.
func MustBundle(manifest, module []byte) *bundle.Bundle {
	b, err := bundle.Read(BundleBytes(manifest, module))
	if err != nil {
		panic(err)
	}
	return b
}
