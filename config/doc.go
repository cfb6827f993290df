// Package config handles loading and parsing of configuration from YAML files
// and environment variables. It defines the listen address, the static
// backend list, health probe timing, the admin metrics endpoint and logging.
package config
