// Package gateway provides the public API for embedding the hospital
// GraphQL gateway in another process.
package gateway

import (
	"github.com/tjfontaine/hospital-gateway/internal/runtime"
)

// Gateway serves the GraphQL endpoint, the websocket transport and the
// webhook intake. See internal/runtime.Gateway.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithConfigFile("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

var (
	// Config sources
	WithConfigFile = runtime.WithConfigFile
	WithConfig     = runtime.WithConfig

	// Shared infrastructure
	WithRedisClient    = runtime.WithRedisClient
	WithRateLimitStore = runtime.WithRateLimitStore
	WithBroker         = runtime.WithBroker

	WithLogger = runtime.WithLogger
)

// NewLogger builds a logger from the logging section of the config.
var NewLogger = runtime.NewLogger
