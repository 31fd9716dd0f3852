package main

import (
	"github.com/danmuck/botwire/internal/config"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	androidPort int
	metricsAddr string
	activateHID bool
	writeConfig string
	force       bool

	flags *pflag.FlagSet
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("botwire", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a botwire TOML config")
	fs.IntVar(&opts.androidPort, "android-port", 0, "port phones dial (overrides android_port)")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.BoolVar(&opts.activateHID, "hid", false, "activate HID injection for every phone that connects")
	fs.StringVar(&opts.writeConfig, "write-config", "", "write the default config to this path and exit")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing file with --write-config")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.flags = fs
	return opts, nil
}

// resolveConfig loads --config when given and applies the flags that were set.
func resolveConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.flags != nil && opts.flags.Changed("android-port") {
		cfg.AndroidPort = opts.androidPort
	}
	if opts.flags != nil && opts.flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
