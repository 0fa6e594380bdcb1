package tz

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/wallera-computer/tzapp/tee/mem"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/attestation"
	"github.com/wallera-computer/tzapp/tee/trusted_os/internal/store"
)

const defaultName = "tzapp"

// Config is the immutable configuration of a Context. Everything in here ends up in the
// attestation measurement.
type Config struct {
	Name       string `mapstructure:"name"`
	Revision   string `mapstructure:"revision"`
	Build      string `mapstructure:"build"`
	MaxRecords int    `mapstructure:"max_records"`
}

func DefaultConfig() Config {
	return Config{
		Name:       defaultName,
		MaxRecords: store.DefaultMaxRecords,
	}
}

// DecodeConfig reads a Config out of a generic map, such as a decoded JSON document.
// Missing fields keep their default value, unknown ones are an error.
func DecodeConfig(raw map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("cannot decode config, %w", err)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("config name cannot be empty")
	}

	if c.MaxRecords <= 0 {
		return fmt.Errorf("max_records must be positive, got %d", c.MaxRecords)
	}

	return nil
}

func (c Config) identity() attestation.Identity {
	return attestation.Identity{
		Name:       c.Name,
		Revision:   c.Revision,
		Build:      c.Build,
		Capacity:   mem.Capacity,
		MaxRecords: uint32(c.MaxRecords),
	}
}
