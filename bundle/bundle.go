package bundle

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path"

	errs "github.com/veldra/plugin-host/errors"
)

// Conventional entry names inside a bundle archive.
const (
	ManifestName = "plugin.yaml"
	ModuleName   = "plugin.wasm"
)

// Bundle pairs a validated manifest with the raw module bytes extracted from
// an archive. Reading a bundle has no side effects beyond consuming the
// input; in particular it never touches the registry.
type Bundle struct {
	Manifest *Manifest
	Module   []byte
}

// Read parses a zip archive holding exactly one plugin.yaml and one
// plugin.wasm. Additional entries (assets, documentation) are ignored.
func Read(data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errs.CorruptArchive(err)
	}

	var manifestFile, moduleFile *zip.File
	var manifests, modules int
	for _, f := range zr.File {
		switch path.Base(f.Name) {
		case ManifestName:
			manifests++
			manifestFile = f
		case ModuleName:
			modules++
			moduleFile = f
		}
	}
	if manifests != 1 {
		return nil, errs.MissingManifest()
	}
	if modules != 1 {
		return nil, errs.MissingModule()
	}

	manifestData, err := readEntry(manifestFile)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, err
	}

	module, err := readEntry(moduleFile)
	if err != nil {
		return nil, err
	}

	return &Bundle{Manifest: manifest, Module: module}, nil
}

// ReadFile reads a bundle archive from disk.
func ReadFile(name string) (*Bundle, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errs.CorruptArchive(err)
	}
	return Read(data)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errs.CorruptArchive(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.CorruptArchive(err)
	}
	return data, nil
}
