// Package cmn provides common constants, types, and utilities for the SparkRDMA shuffle.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package cmn

import (
	"os"
	"time"

	"github.com/465583030/SparkRDMA/cmn/cos"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	// wire segment capacity: control messages are small, a segment must fit
	// one pre-posted receive buffer
	DefaultSegmentSize = 4 * cos.KiB

	// remote reads can be much larger than control messages
	DefaultMaxReadSize = 4 * cos.MiB

	// cap on total bytes of concurrently outstanding remote reads per consumer
	DefaultMaxBytesInFlight = 48 * cos.MiB

	DefaultResolveTimeout = 30 * time.Second

	// bound on concurrent fetch-group workers, sized independently of
	// partition count
	DefaultFetchWorkers = 16
)

type Config struct {
	Listen          string       `json:"listen"`            // this node's host:port
	Coordinator     string       `json:"coordinator"`       // coordinator host:port
	SegmentSize     int          `json:"segment_size"`      // wire segment capacity, bytes
	MaxReadSize     int64        `json:"max_read_size"`     // max single aggregated remote read, bytes
	MaxBytesInFlight int64       `json:"max_bytes_in_flight"`
	ResolveTimeout  cos.Duration `json:"resolve_timeout"`   // directory fetch timeout
	FetchWorkers    int          `json:"fetch_workers"`
	DedupWiden      bool         `json:"dedup_widen"`       // dedup-and-widen merge policy
	UseFastHTTP     bool         `json:"use_fasthttp"`      // transport client selection
}

func DefaultConfig() *Config {
	return &Config{
		SegmentSize:      DefaultSegmentSize,
		MaxReadSize:      DefaultMaxReadSize,
		MaxBytesInFlight: DefaultMaxBytesInFlight,
		ResolveTimeout:   cos.Duration(DefaultResolveTimeout),
		FetchWorkers:     DefaultFetchWorkers,
		DedupWiden:       true,
	}
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read config")
	}
	config := DefaultConfig()
	if err := jsoniter.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessage(err, "failed to parse config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.SegmentSize < 64 {
		return errors.Errorf("invalid segment_size %d (must accommodate at least one wire record)", c.SegmentSize)
	}
	if c.MaxReadSize <= 0 {
		return errors.Errorf("invalid max_read_size %d", c.MaxReadSize)
	}
	if c.MaxBytesInFlight < c.MaxReadSize {
		return errors.Errorf("max_bytes_in_flight %d must be >= max_read_size %d",
			c.MaxBytesInFlight, c.MaxReadSize)
	}
	if c.ResolveTimeout <= 0 {
		return errors.Errorf("invalid resolve_timeout %s", c.ResolveTimeout)
	}
	if c.FetchWorkers < 1 {
		return errors.Errorf("invalid fetch_workers %d", c.FetchWorkers)
	}
	return nil
}
