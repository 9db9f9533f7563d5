// Package config loads and validates the daemon configuration file,
// covering the API server, persistence, queues, authentication, the
// executor and logging channels.
package config
