// Package gateway provides the public API for embedding the reputation gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/reputation-gateway/internal/runtime"
)

// Gateway is the main entry point for running the reputation gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithLogger(logger),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Advanced options
	WithLogger   = runtime.WithLogger
	WithRegistry = runtime.WithRegistry
	WithSource   = runtime.WithSource
	WithClock    = runtime.WithClock
)
