package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML overlay applied on top of the environment config,
// for deployments that keep tuning out of the environment.
type Profile struct {
	Port          string `yaml:"port,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	TokenIssuer   string `yaml:"token_issuer,omitempty"`
	TokenAudience string `yaml:"token_audience,omitempty"`

	Sandbox struct {
		PoolSize      int `yaml:"pool_size,omitempty"`
		MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	} `yaml:"sandbox"`

	Retention struct {
		Traces string `yaml:"traces,omitempty"`
	} `yaml:"retention"`

	Observability struct {
		OTLPEndpoint string   `yaml:"otlp_endpoint,omitempty"`
		Enabled      *bool    `yaml:"enabled,omitempty"`
		SampleRate   *float64 `yaml:"sample_rate,omitempty"`
	} `yaml:"observability"`
}

// LoadProfile reads a YAML profile and applies it over cfg. Unset
// profile fields leave cfg untouched.
func LoadProfile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	p.apply(cfg)
	return nil
}

func (p *Profile) apply(cfg *Config) {
	if p.Port != "" {
		cfg.Port = p.Port
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}
	if p.TokenIssuer != "" {
		cfg.TokenIssuer = p.TokenIssuer
	}
	if p.TokenAudience != "" {
		cfg.TokenAudience = p.TokenAudience
	}
	if p.Sandbox.PoolSize > 0 {
		cfg.SandboxPoolSize = p.Sandbox.PoolSize
	}
	if p.Sandbox.MaxConcurrent > 0 {
		cfg.SandboxMaxConcurrent = p.Sandbox.MaxConcurrent
	}
	if p.Retention.Traces != "" {
		if d, err := time.ParseDuration(p.Retention.Traces); err == nil {
			cfg.TraceRetention = d
		}
	}
	if p.Observability.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = p.Observability.OTLPEndpoint
	}
	if p.Observability.Enabled != nil {
		cfg.MetricsEnabled = *p.Observability.Enabled
	}
	if p.Observability.SampleRate != nil {
		cfg.SampleRate = *p.Observability.SampleRate
	}
}
