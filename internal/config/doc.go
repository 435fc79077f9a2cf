// Package config loads application configuration from environment variables.
//
// Only PORT matters for a minimal deployment; every other setting has a default.
// Setting REDIS_URL enables the state changefeed.
package config
