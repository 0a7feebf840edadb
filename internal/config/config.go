// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quartzvideo/hwbridge/internal/encoder"
)

// Config is the hwbridged daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	DriverPath string `yaml:"driver_path"`
	FakeDriver bool   `yaml:"fake_driver"` // synthetic driver for soak runs

	Device        string `yaml:"device"`
	Codec         string `yaml:"codec"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	FPSNum        int    `yaml:"fps_num"`
	FPSDen        int    `yaml:"fps_den"`
	BitrateKbps   int    `yaml:"bitrate_kbps"`
	KeyintSec     int    `yaml:"keyint_sec"`
	RateControl   string `yaml:"rate_control"`
	Profile       string `yaml:"profile"`
	RepeatHeaders bool   `yaml:"repeat_headers"`
}

// Defaults returns the built-in defaults: 1080p30, H.264 at 6000 kbps.
func Defaults() Config {
	st := encoder.DefaultSettings()
	return Config{
		Listen:        ":8099",
		LogLevel:      "info",
		FakeDriver:    false,
		Codec:         st.Codec.String(),
		Width:         1920,
		Height:        1080,
		FPSNum:        30,
		FPSDen:        1,
		BitrateKbps:   st.BitrateKbps,
		KeyintSec:     st.KeyintSec,
		RateControl:   st.RateControl,
		Profile:       st.Profile,
		RepeatHeaders: st.RepeatHeaders,
	}
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (if any), overlaid by HWBRIDGE_* environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Listen = ParseString("HWBRIDGE_LISTEN", cfg.Listen)
	cfg.LogLevel = ParseString("HWBRIDGE_LOG_LEVEL", cfg.LogLevel)
	cfg.DriverPath = ParseString("HWBRIDGE_DRIVER_PATH", cfg.DriverPath)
	cfg.FakeDriver = ParseBool("HWBRIDGE_FAKE_DRIVER", cfg.FakeDriver)
	cfg.Device = ParseString("HWBRIDGE_DEVICE", cfg.Device)
	cfg.Codec = ParseString("HWBRIDGE_CODEC", cfg.Codec)
	cfg.Width = ParseInt("HWBRIDGE_WIDTH", cfg.Width)
	cfg.Height = ParseInt("HWBRIDGE_HEIGHT", cfg.Height)
	cfg.FPSNum = ParseInt("HWBRIDGE_FPS_NUM", cfg.FPSNum)
	cfg.FPSDen = ParseInt("HWBRIDGE_FPS_DEN", cfg.FPSDen)
	cfg.BitrateKbps = ParseInt("HWBRIDGE_BITRATE_KBPS", cfg.BitrateKbps)
	cfg.KeyintSec = ParseInt("HWBRIDGE_KEYINT_SEC", cfg.KeyintSec)
	cfg.RateControl = ParseString("HWBRIDGE_RATE_CONTROL", cfg.RateControl)
	cfg.Profile = ParseString("HWBRIDGE_PROFILE", cfg.Profile)
	cfg.RepeatHeaders = ParseBool("HWBRIDGE_REPEAT_HEADERS", cfg.RepeatHeaders)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate delegates to the encoder's settings and geometry validation.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if _, err := c.Geometry(); err != nil {
		return err
	}
	st, err := c.Settings()
	if err != nil {
		return err
	}
	return st.Validate()
}

// Settings converts the config into encoder settings.
func (c Config) Settings() (encoder.Settings, error) {
	codec, err := encoder.ParseCodec(c.Codec)
	if err != nil {
		return encoder.Settings{}, err
	}
	return encoder.Settings{
		Codec:         codec,
		BitrateKbps:   c.BitrateKbps,
		KeyintSec:     c.KeyintSec,
		Device:        c.Device,
		RateControl:   c.RateControl,
		Profile:       c.Profile,
		RepeatHeaders: c.RepeatHeaders,
	}, nil
}

// Geometry converts the config into validated encoder geometry.
func (c Config) Geometry() (encoder.Geometry, error) {
	g := c.asGeometry()
	if err := g.Validate(); err != nil {
		return g, err
	}
	return g, nil
}

func (c Config) asGeometry() encoder.Geometry {
	return encoder.Geometry{Width: c.Width, Height: c.Height, FPSNum: c.FPSNum, FPSDen: c.FPSDen}
}
