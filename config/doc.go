// Package config loads host policy from defaults, YAML files, and flags.
package config
