// Package plugintest provides fixtures for exercising the sandbox:
// hand-assembled wasm modules with known behavior, bundle builders, and
// in-memory collaborator implementations.
package plugintest
