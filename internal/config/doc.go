// Package config loads grid-engine settings from defaults, a YAML file,
// GE_-prefixed environment variables and command-line overrides, in that
// order of increasing precedence.
package config
