// Package config loads vmdisas settings from defaults, an optional config
// file, VMDISAS_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"vmdisas/internal/disas"
	"vmdisas/internal/guest"
)

const prefix = "vmdisas."

// Config is the resolved configuration.
type Config struct {
	Syntax       string `json:"syntax" jsonschema:"title=Syntax,description=Disassembly syntax,enum=intel,enum=gnu,enum=go,default=intel"`
	CPU          int    `json:"cpu" jsonschema:"title=CPU,description=Virtual CPU used for the current context,minimum=0"`
	NoSymbols    bool   `json:"no_symbols" jsonschema:"title=No Symbols,description=Do not resolve branch targets to symbols"`
	NoBytes      bool   `json:"no_bytes" jsonschema:"title=No Bytes,description=Omit the instruction bytes column"`
	NoAddress    bool   `json:"no_address" jsonschema:"title=No Address,description=Omit the address column"`
	Color        bool   `json:"color" jsonschema:"title=Color,description=Colorize disassembly on terminals,default=true"`
	Mode         string `json:"mode" jsonschema:"title=Paging Mode,description=Guest paging mode,enum=real,enum=protected,enum=32bit,enum=pae,enum=amd64,default=amd64"`
	Load         uint64 `json:"load" jsonschema:"title=Load Address,description=Physical load address of raw images"`
	Listen       string `json:"listen" jsonschema:"title=Listen,description=Address the monitor server listens on,default=127.0.0.1:8888"`
	OTLPEndpoint string `json:"otlp_endpoint" jsonschema:"title=OTLP Endpoint,description=OTLP/HTTP trace collector; empty disables tracing"`
	SymbolCache  int    `json:"symbol_cache" jsonschema:"title=Symbol Cache,description=Number of symbol lookups kept in the LRU cache,default=4096"`
}

var defaults = map[string]any{
	"syntax":        "intel",
	"cpu":           0,
	"no_symbols":    false,
	"no_bytes":      false,
	"no_address":    false,
	"color":         true,
	"mode":          "amd64",
	"load":          0x100000,
	"listen":        "127.0.0.1:8888",
	"otlp_endpoint": "",
	"symbol_cache":  4096,
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"syntax":     "syntax",
	"cpu":        "cpu",
	"no-symbols": "no_symbols",
	"no-bytes":   "no_bytes",
	"no-address": "no_address",
	"mode":       "mode",
	"load":       "load",
	"listen":     "listen",
	"otlp":       "otlp_endpoint",
}

// New returns a viper instance with defaults and environment binding set
// up. path, when not empty, names a config file that must be readable.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(prefix+key, value)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}
	return v, nil
}

// BindFlags makes the flags in fs that have a config key override it.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(prefix+key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load resolves a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Syntax:       v.GetString(prefix + "syntax"),
		CPU:          v.GetInt(prefix + "cpu"),
		NoSymbols:    v.GetBool(prefix + "no_symbols"),
		NoBytes:      v.GetBool(prefix + "no_bytes"),
		NoAddress:    v.GetBool(prefix + "no_address"),
		Color:        v.GetBool(prefix + "color"),
		Mode:         v.GetString(prefix + "mode"),
		Load:         v.GetUint64(prefix + "load"),
		Listen:       v.GetString(prefix + "listen"),
		OTLPEndpoint: v.GetString(prefix + "otlp_endpoint"),
		SymbolCache:  v.GetInt(prefix + "symbol_cache"),
	}
	if _, err := disas.ParseSyntax(cfg.Syntax); err != nil {
		return nil, err
	}
	if _, err := guest.ParsePagingMode(cfg.Mode); err != nil {
		return nil, err
	}
	if cfg.CPU < 0 {
		return nil, fmt.Errorf("cpu %d: must not be negative", cfg.CPU)
	}
	return cfg, nil
}

// DisasFlags returns the formatting flags the config asks for.
func (cfg *Config) DisasFlags() disas.Flags {
	var flags disas.Flags
	if cfg.NoSymbols {
		flags |= disas.NoSymbols
	}
	if cfg.NoBytes {
		flags |= disas.NoBytes
	}
	if cfg.NoAddress {
		flags |= disas.NoAddress
	}
	return flags
}

// PagingMode returns the parsed paging mode.
func (cfg *Config) PagingMode() guest.PagingMode {
	mode, _ := guest.ParsePagingMode(cfg.Mode)
	return mode
}

// DisasSyntax returns the parsed decoder syntax.
func (cfg *Config) DisasSyntax() disas.Syntax {
	syntax, _ := disas.ParseSyntax(cfg.Syntax)
	return syntax
}
