package main

import (
	"github.com/BurntSushi/toml"
	"github.com/greck2908/bplib/channel"
)

// fileConfig is the TOML shape read from the config file passed via
// --config, grounded on the teacher's own configuration.go.
type fileConfig struct {
	StorePath       string `toml:"store_path"`
	Destination     string `toml:"destination"`
	Local           string `toml:"local"`
	RequestCustody  bool   `toml:"request_custody"`
	IntegrityCheck  bool   `toml:"integrity_check"`
	Lifetime        int64  `toml:"lifetime_seconds"`
	Timeout         int64  `toml:"timeout_seconds"`
	ActiveTableSize int    `toml:"active_table_size"`
	MaxGapsPerDACS  uint32 `toml:"max_gaps_per_dacs"`
	DACSRateSeconds int64  `toml:"dacs_rate_seconds"`
	CIDReuse        bool   `toml:"cid_reuse"`
	WrapResponse    string `toml:"wrap_response"`
}

func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		StorePath:       "./bplib-data",
		Lifetime:        3600,
		Timeout:         10,
		ActiveTableSize: 256,
		MaxGapsPerDACS:  64,
		WrapResponse:    "resend",
	}
	if path == "" {
		return cfg, nil
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

func (cfg fileConfig) wrapResponse() channel.WrapResponse {
	switch cfg.WrapResponse {
	case "block":
		return channel.WrapBlock
	case "drop":
		return channel.WrapDrop
	default:
		return channel.WrapResend
	}
}

func (cfg fileConfig) options() []channel.Option {
	return []channel.Option{
		channel.WithRequestCustody(cfg.RequestCustody),
		channel.WithIntegrityCheck(cfg.IntegrityCheck),
		channel.WithLifetime(cfg.Lifetime),
		channel.WithTimeout(cfg.Timeout),
		channel.WithActiveTableSize(cfg.ActiveTableSize),
		channel.WithMaxGapsPerDACS(cfg.MaxGapsPerDACS),
		channel.WithDACSRate(cfg.DACSRateSeconds),
		channel.WithCIDReuse(cfg.CIDReuse),
		channel.WithWrapResponse(cfg.wrapResponse()),
	}
}
