// Package config loads the JSON runtime configuration, applies defaults and
// FRACTAL_* environment overrides for secrets, and validates the result.
package config
