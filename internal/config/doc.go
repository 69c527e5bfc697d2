// Package config handles configuration loading for broxy.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every key has a default, so an empty file (or, for `broxy
// serve`, no file at all) yields a working single-process setup.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BROXY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/broxy/broxy.yaml
//  3. ~/.config/broxy/broxy.yaml
//
// A path ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	bus:
//	  password: "${BROXY_REDIS_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  request_ttl: "60s"
//	workers:
//	  heartbeat_interval: "25s"
//
// # Roles
//
// The same file configures every role. A `broxy control` process reads the
// control, bus, workers, queue and ledger sections; a `broxy proxy` process
// reads proxy, bus and queue.request_ttl (its local deadline is the TTL plus
// proxy.grace). The memory bus only links roles inside one `broxy serve`
// process.
package config
