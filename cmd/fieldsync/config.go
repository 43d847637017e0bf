package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// watchOptions configures the watch command. Values come from flags, then
// the YAML config file, then FIELDSYNC_* environment variables.
type watchOptions struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	Kinds     []string      `yaml:"kinds"`
	Report    string        `yaml:"report"`
	Interval  time.Duration `yaml:"interval"`
	Jitter    float64       `yaml:"jitter"`
	Timeout   time.Duration `yaml:"timeout"`
	NoPush    bool          `yaml:"no_push"`
}

func loadWatchConfig(path string) (watchOptions, error) {
	f, err := os.Open(path)
	if err != nil {
		return watchOptions{}, fmt.Errorf("open watch config: %w", err)
	}
	defer f.Close()
	return decodeWatchConfig(f)
}

func decodeWatchConfig(r io.Reader) (watchOptions, error) {
	var cfg watchOptions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return watchOptions{}, nil
		}
		return watchOptions{}, fmt.Errorf("parse watch config: %w", err)
	}
	return cfg, nil
}

// mergeWatchConfig fills every option whose flag was not set on the command
// line from the config file, when the file sets it.
func mergeWatchConfig(opts *watchOptions, file watchOptions, flagChanged func(string) bool) {
	pick := func(flag string, fileSet bool, apply func()) {
		if fileSet && !flagChanged(flag) {
			apply()
		}
	}
	pick("base-url", strings.TrimSpace(file.BaseURL) != "", func() { opts.BaseURL = file.BaseURL })
	pick("token", strings.TrimSpace(file.Token) != "", func() { opts.Token = file.Token })
	pick("token-file", strings.TrimSpace(file.TokenFile) != "", func() { opts.TokenFile = file.TokenFile })
	pick("kinds", len(file.Kinds) > 0, func() { opts.Kinds = file.Kinds })
	pick("report", strings.TrimSpace(file.Report) != "", func() { opts.Report = file.Report })
	pick("interval", file.Interval > 0, func() { opts.Interval = file.Interval })
	pick("jitter", file.Jitter > 0, func() { opts.Jitter = file.Jitter })
	pick("timeout", file.Timeout > 0, func() { opts.Timeout = file.Timeout })
	pick("no-push", file.NoPush, func() { opts.NoPush = true })
}
