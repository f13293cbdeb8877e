// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates Arbor configuration.
//
// Configuration comes from a YAML file (default ~/.arbor/arbor.yaml,
// created on first run) and is returned from an explicit constructor.
// There is no package-level singleton; callers pass the Config to the
// components that need it. Credentials are never stored in the file:
// the file names an environment variable and the key is read from the
// process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultAPIKeyEnv is the environment variable consulted for the
// completion endpoint credential.
const DefaultAPIKeyEnv = "ARBOR_API_KEY"

// Generation holds the user-tunable generation parameters.
type Generation struct {
	// Model is the model identifier forwarded to the endpoint.
	Model string `yaml:"model"`

	// Temperature, TopP, and MaxTokens are omitted from requests when
	// nil, leaving the endpoint default in effect.
	Temperature *float32 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP        *float32 `yaml:"top_p" validate:"omitempty,gte=0,lte=1"`
	MaxTokens   *int     `yaml:"max_tokens" validate:"omitempty,gt=0"`

	// Stop sequences truncate completions server-side.
	Stop []string `yaml:"stop"`

	// PerNode is the number of sibling completions per generate call.
	PerNode int `yaml:"per_node" validate:"gt=0"`

	// MaxLeaves caps the generate-all-leaves candidate set.
	MaxLeaves int `yaml:"max_leaves" validate:"gt=0"`
}

// Transport holds the streaming endpoint settings.
type Transport struct {
	// Endpoint is the batch completion endpoint URL.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// RequireCredential makes generation fail fast when no key is set.
	// Off by default for local endpoints.
	RequireCredential bool `yaml:"require_credential"`

	// MaxStreamBatch caps requests multiplexed onto one stream.
	MaxStreamBatch int `yaml:"max_stream_batch" validate:"gt=0"`

	// MaxConcurrentStreams caps simultaneously open streams.
	MaxConcurrentStreams int `yaml:"max_concurrent_streams" validate:"gt=0"`
}

// Config is the root configuration object.
type Config struct {
	// Addr is the HTTP API listen address for `arbor serve`.
	Addr string `yaml:"addr" validate:"required"`

	// DataDir is the BadgerDB directory. Supports ~ expansion.
	DataDir string `yaml:"data_dir" validate:"required"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogDir enables JSON file logging when set.
	LogDir string `yaml:"log_dir"`

	Transport  Transport  `yaml:"transport"`
	Generation Generation `yaml:"generation"`
}

// Default returns the built-in configuration, targeting a local
// OpenAI-compatible proxy.
func Default() Config {
	return Config{
		Addr:     "127.0.0.1:7727",
		DataDir:  "~/.arbor/data",
		LogLevel: "info",
		Transport: Transport{
			Endpoint:             "http://127.0.0.1:8000/v1/stream",
			APIKeyEnv:            DefaultAPIKeyEnv,
			MaxStreamBatch:       8,
			MaxConcurrentStreams: 4,
		},
		Generation: Generation{
			PerNode:   3,
			MaxLeaves: 8,
		},
	}
}

// DefaultPath returns ~/.arbor/arbor.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".arbor", "arbor.yaml"), nil
}

// Load reads, decodes, and validates the configuration at path.
//
// A missing file is a first run: the default configuration is written
// to path (directories created as needed) and returned. Values absent
// from the file keep their defaults.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return Config{}, err
		}
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// APIKey reads the configured credential from the environment.
// Empty when unset.
func (c Config) APIKey() string {
	env := c.Transport.APIKeyEnv
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	return os.Getenv(env)
}

// ExpandedDataDir returns DataDir with ~ expanded.
func (c Config) ExpandedDataDir() string {
	return expandPath(c.DataDir)
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("serialize default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
