// Package bundle reads packaged plugin archives.
//
// A bundle is a zip archive holding exactly one plugin.yaml manifest and one
// plugin.wasm compiled module. The loader validates archive structure and
// manifest schema and hands back the pair; compiling, linking and
// registration belong to the sandbox and registry packages.
package bundle
