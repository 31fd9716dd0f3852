package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders c as a config file that Load reads back unchanged.
func Template(c Config) (string, error) {
	out, err := toml.Marshal(toFile(c))
	if err != nil {
		return "", fmt.Errorf("config render failed: %w", err)
	}
	return string(out), nil
}

// WriteTemplate writes the default config to path.
func WriteTemplate(path string, overwrite bool) error {
	template, err := Template(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	return fileConfig{
		ListenIP:      c.ListenIP,
		AndroidPort:   c.AndroidPort,
		HIDPort:       c.HIDPort,
		DriverFolder:  c.DriverFolder,
		WindowsDriver: c.WindowsDriver,
		WebDriver:     c.WebDriver,
		CallTimeout:   c.CallTimeout.String(),
		WriteTimeout:  c.WriteTimeout.String(),
		MaxReplyBytes: int64(c.MaxReplyBytes),
		HIDAttempts:   c.HIDAttempts,
		HIDRetryDelay: c.HIDRetryDelay.String(),
		ImplicitWait:  c.ImplicitWait.String(),
		PollInterval:  c.PollInterval.String(),
		MetricsAddr:   c.MetricsAddr,
		MetricsToken:  c.MetricsToken,
		Web: webFileConfig{
			BrowserName: c.Web.BrowserName,
			DebugPort:   c.Web.DebugPort,
			UserDataDir: c.Web.UserDataDir,
			BrowserPath: c.Web.BrowserPath,
			Argument:    c.Web.Argument,
			ExtendParam: c.Web.ExtendParam,
		},
	}
}
