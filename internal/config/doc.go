// ABOUTME: Package documentation for configuration.
// ABOUTME: YAML config with env expansion and validation.

// Package config loads the canvas-gateway YAML configuration. Files may
// reference environment variables as ${VAR}; durations are plain Go duration
// strings ("30s", "24h"). Secrets stay out of the file: the upstream API key
// is named by genai.api_key_env and resolved from the environment.
package config
