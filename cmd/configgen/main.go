// configgen writes or validates botwire config files.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/botwire/internal/config"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/botwire/config.toml"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	output := fs.String("output", defaultPath, "output path for the config template")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", defaultPath, "config path for validation")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			return err
		}
		fmt.Printf("validated %s (android_port=%d hid_port=%d)\n", *input, cfg.AndroidPort, cfg.HIDPort)
		return nil
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		return err
	}
	fmt.Printf("wrote config template to %s\n", *output)
	return nil
}
