// Package config loads config.yaml for PillPal Core.
//
// Load reads the YAML file over built-in defaults, then an optional .env
// file, then PILLPAL_* environment variables, and finally validates the
// result. Secrets (broker password, InfluxDB token) belong in the
// environment, not the file.
//
//	cfg, err := config.Load("configs/config.yaml")
package config
