// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config parses the daemon configuration, including the static
// tier retention table supplied at startup.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v2"

	"github.com/wardenhq/warden/core/backups"
)

// Duration is a time.Duration that unmarshals from a YAML string like
// "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML is part of the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return errors.Trace(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.NotValidf("duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the native duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// TierConfig is one row of the retention table.
type TierConfig struct {
	// Interval is how often this tier snapshots.
	Interval Duration `yaml:"interval"`
	// MaxAge expires records older than this; zero never expires.
	MaxAge Duration `yaml:"max-age"`
	// MaxCount bounds the number of records kept; zero is unbounded.
	MaxCount int `yaml:"max-count"`
}

// ArchiveConfig selects and configures the archive store backend.
type ArchiveConfig struct {
	// Kind is "s3" or "file".
	Kind string `yaml:"kind"`

	// Path roots a "file" archive.
	Path string `yaml:"path,omitempty"`

	// S3 settings for a "s3" archive.
	Endpoint  string `yaml:"endpoint,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	AccessKey string `yaml:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty"`

	// MaxBytesPerSecond throttles combined transfer bandwidth; zero is
	// unlimited.
	MaxBytesPerSecond int64 `yaml:"max-bytes-per-second,omitempty"`

	// RetryAttempts and RetryDelay bound backoff on transient archive
	// errors.
	RetryAttempts int      `yaml:"retry-attempts"`
	RetryDelay    Duration `yaml:"retry-delay"`
}

// ChangeLogConfig tunes the change-log archiver. FlushInterval is the
// recovery-point knob: no committed mutation waits longer than this to
// reach the archive.
type ChangeLogConfig struct {
	FlushInterval  Duration `yaml:"flush-interval"`
	MaxSegmentSize int      `yaml:"max-segment-size"`
	// SpoolLimit bounds the local queue of unshipped segments while
	// the archive is unreachable. Exceeding it is a critical
	// condition: the recovery point objective is at risk.
	SpoolLimit int `yaml:"spool-limit"`
}

// VerificationConfig tunes the verification service.
type VerificationConfig struct {
	Interval Duration `yaml:"interval"`
	// TimeBudget bounds a verification restore; running over it fails
	// the verification.
	TimeBudget Duration `yaml:"time-budget"`
}

// FailoverConfig tunes the failover coordinator.
type FailoverConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat-interval"`
	// MissThreshold is how many consecutive missed heartbeats move a
	// suspect node to failed.
	MissThreshold int `yaml:"miss-threshold"`
	// FreshnessBound is the maximum replication lag a standby may have
	// and still be promoted directly; anything worse is rebuilt from
	// backup first.
	FreshnessBound Duration `yaml:"freshness-bound"`
	// DirectoryName is the routing directory entry to update on
	// promotion.
	DirectoryName string `yaml:"directory-name"`
}

// Config is the complete daemon configuration.
type Config struct {
	Archive      ArchiveConfig               `yaml:"archive"`
	Retention    map[backups.Tier]TierConfig `yaml:"retention"`
	ChangeLog    ChangeLogConfig             `yaml:"change-log"`
	Verification VerificationConfig          `yaml:"verification"`
	Failover     FailoverConfig              `yaml:"failover"`
}

// Read loads and validates a config file.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config file")
	}
	return Parse(data)
}

// Parse parses and validates config data, applying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Kind:          "file",
			Path:          "/var/lib/warden/archive",
			RetryAttempts: 5,
			RetryDelay:    Duration(500 * time.Millisecond),
		},
		Retention: map[backups.Tier]TierConfig{
			backups.TierContinuous: {Interval: Duration(time.Hour)},
			backups.TierDaily:      {Interval: Duration(24 * time.Hour), MaxCount: 7},
			backups.TierWeekly:     {Interval: Duration(7 * 24 * time.Hour), MaxAge: Duration(28 * 24 * time.Hour)},
			backups.TierMonthly:    {Interval: Duration(30 * 24 * time.Hour), MaxAge: Duration(365 * 24 * time.Hour)},
		},
		ChangeLog: ChangeLogConfig{
			FlushInterval:  Duration(30 * time.Second),
			MaxSegmentSize: 8 * 1024 * 1024,
			SpoolLimit:     256,
		},
		Verification: VerificationConfig{
			Interval:   Duration(6 * time.Hour),
			TimeBudget: Duration(time.Hour),
		},
		Failover: FailoverConfig{
			HeartbeatInterval: Duration(10 * time.Second),
			MissThreshold:     3,
			FreshnessBound:    Duration(time.Minute),
			DirectoryName:     "primary",
		},
	}
}

// Validate returns an error if the configuration is unusable.
func (c *Config) Validate() error {
	switch c.Archive.Kind {
	case "file":
		if c.Archive.Path == "" {
			return errors.NotValidf("file archive with empty path")
		}
	case "s3":
		if c.Archive.Bucket == "" {
			return errors.NotValidf("s3 archive with empty bucket")
		}
	default:
		return errors.NotValidf("archive kind %q", c.Archive.Kind)
	}
	if c.Archive.RetryAttempts <= 0 {
		return errors.NotValidf("non-positive archive retry attempts")
	}
	if len(c.Retention) == 0 {
		return errors.NotValidf("empty retention table")
	}
	for tier := range c.Retention {
		if _, err := backups.ParseTier(string(tier)); err != nil {
			return errors.Trace(err)
		}
		if err := c.Policy(tier).Validate(); err != nil {
			return errors.Annotatef(err, "tier %q", tier)
		}
	}
	if c.ChangeLog.FlushInterval.D() <= 0 {
		return errors.NotValidf("non-positive change-log flush interval")
	}
	if c.ChangeLog.MaxSegmentSize <= 0 {
		return errors.NotValidf("non-positive change-log segment size")
	}
	if c.ChangeLog.SpoolLimit <= 0 {
		return errors.NotValidf("non-positive change-log spool limit")
	}
	if c.Verification.Interval.D() <= 0 || c.Verification.TimeBudget.D() <= 0 {
		return errors.NotValidf("non-positive verification timing")
	}
	if c.Failover.HeartbeatInterval.D() <= 0 {
		return errors.NotValidf("non-positive heartbeat interval")
	}
	if c.Failover.MissThreshold <= 0 {
		return errors.NotValidf("non-positive miss threshold")
	}
	if c.Failover.DirectoryName == "" {
		return errors.NotValidf("empty failover directory name")
	}
	return nil
}

// Policy returns the retention policy for a tier.
func (c *Config) Policy(tier backups.Tier) backups.Policy {
	tc := c.Retention[tier]
	return backups.Policy{
		Interval: tc.Interval.D(),
		MaxAge:   tc.MaxAge.D(),
		MaxCount: tc.MaxCount,
	}
}

// Policies returns the whole retention table as domain policies.
func (c *Config) Policies() map[backups.Tier]backups.Policy {
	policies := make(map[backups.Tier]backups.Policy, len(c.Retention))
	for tier := range c.Retention {
		policies[tier] = c.Policy(tier)
	}
	return policies
}
