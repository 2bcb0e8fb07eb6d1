package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config mirrors kcptun's flag-struct-plus-JSON-override pattern: every
// field has a CLI flag default, optionally clobbered by -c config.json.
type Config struct {
	MaxPort            int    `json:"maxport"`
	MaxFileDescriptors int    `json:"maxfds"`
	Script             string `json:"script"`
	LogLevel           string `json:"loglevel"`
	LogFile            string `json:"logfile"`
}

func parseJSONConfig(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open config")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(c); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}
