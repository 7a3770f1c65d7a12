package plugins

import "github.com/rs/zerolog"

// pluginLogAdapter tags every line with the owning plugin's name and
// satisfies the narrow Logger interface a Context exposes, so plugin
// code never imports zerolog directly.
type pluginLogAdapter struct {
	log zerolog.Logger
}

func newPluginLogger(base zerolog.Logger, pluginName string) Logger {
	return &pluginLogAdapter{log: base.With().Str("plugin", pluginName).Logger()}
}

func (a *pluginLogAdapter) Infof(format string, args ...interface{}) {
	a.log.Info().Msgf(format, args...)
}

func (a *pluginLogAdapter) Warnf(format string, args ...interface{}) {
	a.log.Warn().Msgf(format, args...)
}

func (a *pluginLogAdapter) Errorf(format string, args ...interface{}) {
	a.log.Error().Msgf(format, args...)
}
