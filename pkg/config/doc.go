// Package config provides configuration types and utilities for the ingestion hub.
//
// This package defines the structures read at startup:
//   - HubConfig: brokers, sizing knobs, Sparkplug toggle, alert defaults
//   - BrokerConfig: per-broker endpoint, credentials, TLS, subscribe/publish ACLs
//   - SizingConfig: batch size/interval, store size bound, prune chunk size
//
// Configuration is loaded from a single JSON or YAML file (format detected by
// extension) and saved back with an atomic temp-file-then-rename write, so a
// crash mid-write never leaves a torn config file on disk.
package config
