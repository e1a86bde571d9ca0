// Package config provides configuration loading and validation for the
// Burrow worker. Supports YAML files with environment variable overrides;
// command-line flags are layered on top by the cmd package.
package config
