// Package logger provides structured logging for the bot core, built on
// zerolog. Every subsystem logs through a component-scoped logger returned
// by one of the constructors below rather than through the bare "log"
// package.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger with the given level and format.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "relaybot").Logger()

	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Transport creates a logger for connection-supervisor events (C4).
func Transport() *zerolog.Logger { return component("transport") }

// Identity creates a logger for identity-resolution events (C1).
func Identity() *zerolog.Logger { return component("identity") }

// Message creates a logger for message-normalization events (C2).
func Message() *zerolog.Logger { return component("message") }

// Session creates a logger for credential-store events (C3).
func Session() *zerolog.Logger { return component("session") }

// Plugin creates a logger for the plugin registry/runtime (C5).
func Plugin() *zerolog.Logger { return component("plugin") }

// Router creates a logger for command-routing events (C6).
func Router() *zerolog.Logger { return component("router") }

// Scheduler creates a logger for scheduled-job events (C7).
func Scheduler() *zerolog.Logger { return component("scheduler") }

// Permission creates a logger for permission/rate-limit events (C8).
func Permission() *zerolog.Logger { return component("permission") }

// Health creates a logger for the health supervisor (C9).
func Health() *zerolog.Logger { return component("health") }

// HTTP creates a logger for the Control Plane (C10).
func HTTP() *zerolog.Logger { return component("http") }

// GroupEvents creates a logger for the group-event handler (C11).
func GroupEvents() *zerolog.Logger { return component("groupevents") }

// Store creates a logger for document-store access.
func Store() *zerolog.Logger { return component("store") }
