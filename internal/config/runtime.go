package config

import (
	"time"

	"caster/internal/alert"
	"caster/internal/api"
	"caster/internal/dispatch"
	"caster/internal/platform"
	"caster/internal/storage"
	"caster/pkg/logx"
)

// Converters from the file representation (duration strings, pointers for
// tri-state flags) to the runtime configs each service takes. Duration fields
// were validated by check(), so parse errors are ignored here.

func (c *Config) Logx() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		Path:        c.Storage.Path,
		BusyTimeout: mustDuration(c.Storage.BusyTimeout),
	}
}

func (c *Config) DispatchConfig() dispatch.Config {
	enabled := true
	if c.Dispatch.Enabled != nil {
		enabled = *c.Dispatch.Enabled
	}
	return dispatch.Config{
		Enabled:        enabled,
		PollInterval:   mustDuration(c.Dispatch.PollInterval),
		SweepInterval:  mustDuration(c.Dispatch.SweepInterval),
		ClaimTimeout:   mustDuration(c.Dispatch.ClaimTimeout),
		Workers:        c.Dispatch.Workers,
		BatchLimit:     c.Dispatch.BatchLimit,
		RatePerSec:     c.Dispatch.RatePerSec,
		RetryMax:       c.Dispatch.RetryMax,
		DeliverTimeout: mustDuration(c.Dispatch.DeliverTimeout),
		PageSize:       c.Dispatch.PageSize,
	}
}

func (c *Config) APIConfig() api.Config {
	return api.Config{
		Addr:         c.API.Addr,
		ReadTimeout:  mustDuration(c.API.ReadTimeout),
		WriteTimeout: mustDuration(c.API.WriteTimeout),
	}
}

func (c *Config) PlatformConfig() platform.Config {
	return platform.Config{
		BaseURL: c.Platform.BaseURL,
		Token:   c.Platform.Token,
		Timeout: mustDuration(c.Platform.Timeout),
	}
}

func (c *Config) AlertConfig() alert.Config {
	if c.Alert == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    c.Alert.Enabled,
		Token:      c.Alert.Token,
		ChatID:     c.Alert.ChatID,
		RatePerSec: c.Alert.RatePerSec,
		QueueSize:  c.Alert.QueueSize,
	}
}

func mustDuration(raw string) time.Duration {
	d, _ := parseDuration("", raw)
	return d
}
