// Package registry tracks loaded plugin instances for the process.
package registry
