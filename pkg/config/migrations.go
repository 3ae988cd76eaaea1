package config

import "fmt"

type MigrationsConfig struct {
	Path string `koanf:"path"`
}

func (c *MigrationsConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("migrations path is not configured")
	}
	return nil
}
