/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config reads and validates cmd/flashptpd's on-disk JSON
// configuration: which servers a Client Coordinator should synchronize
// against, which interfaces a Server Coordinator should listen on, and the
// selection/adjustment/monitoring knobs governing both.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	hashiversion "github.com/hashicorp/go-version"

	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
)

// ServerConfig is one server a Client Coordinator synchronizes against.
type ServerConfig struct {
	DstAddress         string        `json:"dstAddress"`
	SrcInterface       string        `json:"srcInterface"`
	OneStep            bool          `json:"oneStep"`
	SyncTLV            bool          `json:"syncTLV"`
	Interval           time.Duration `json:"interval"`
	StateInterval      time.Duration `json:"stateInterval"`
	MsTimeout          int           `json:"msTimeout"`
	TimestampLevel     string        `json:"timestampLevel"`
	Filters            []string      `json:"filters"` // ordered chain, e.g. ["lucky", "median"]
	Calculation        string        `json:"calculation"`
	NoSelect           bool          `json:"noSelect"`
	MinProtocolVersion string        `json:"minProtocolVersion"`
}

// Timeout returns MsTimeout as a time.Duration, or 2 s when MsTimeout is unset.
func (s ServerConfig) Timeout() time.Duration {
	if s.MsTimeout == 0 {
		return 2 * time.Second
	}
	return time.Duration(s.MsTimeout) * time.Millisecond
}

// SelectionConfig governs the Selector's truechimer pass for client mode.
type SelectionConfig struct {
	DelayThreshold      time.Duration `json:"delayThreshold"`
	IntersectionPadding time.Duration `json:"intersectionPadding"`
	MaxOffsetDifference time.Duration `json:"maxOffsetDifference"`
	Pick                int           `json:"pick"`
	Variant             string        `json:"variant"` // "stddev" or "btca"
}

// ClientModeConfig is the clientMode block of the config document.
type ClientModeConfig struct {
	Enabled     bool            `json:"enabled"`
	Servers     []ServerConfig  `json:"servers"`
	Selection   SelectionConfig `json:"selection"`
	Adjustments []string        `json:"adjustments"` // ordered preference, e.g. ["pid", "direct"]
	StateFile   string          `json:"stateFile"`
	StateTable  bool            `json:"stateTable"`
}

// ListenerConfig is one entry of serverMode.listeners.
type ListenerConfig struct {
	Interface      string `json:"interface"`
	EventPort      int    `json:"eventPort"`
	GeneralPort    int    `json:"generalPort"`
	TimestampLevel string `json:"timestampLevel"`
	UTCOffset      int16  `json:"utcOffset"`
}

// ServerModeConfig is the serverMode block of the config document.
type ServerModeConfig struct {
	Enabled       bool              `json:"enabled"`
	Priority1     uint8             `json:"priority1"`
	ClockClass    ptp.ClockClass    `json:"clockClass"`
	ClockAccuracy ptp.ClockAccuracy `json:"clockAccuracy"`
	ClockVariance uint16            `json:"clockVariance"`
	Priority2     uint8             `json:"priority2"`
	TimeSource    ptp.TimeSource    `json:"timeSource"`
	Listeners     []ListenerConfig  `json:"listeners"`
}

// Config is the root of cmd/flashptpd's on-disk configuration document.
type Config struct {
	ClientMode ClientModeConfig `json:"clientMode"`
	ServerMode ServerModeConfig `json:"serverMode"`

	MonitoringPort int           `json:"monitoringPort"`
	DSCP           int           `json:"dscp"`
	StateInterval  time.Duration `json:"stateInterval"`
}

// Default returns a Config with conservative, spec-default values: neither
// mode enabled, a stddev-variant Selector, and "pid" as the only adjustment.
func Default() *Config {
	return &Config{
		ClientMode: ClientModeConfig{
			Selection: SelectionConfig{
				DelayThreshold:      1500 * time.Millisecond,
				MaxOffsetDifference: time.Second,
				Pick:                1,
				Variant:             "stddev",
			},
			Adjustments: []string{"pid"},
		},
		ServerMode: ServerModeConfig{
			Priority1:     128,
			ClockClass:    ptp.ClockClass13,
			ClockAccuracy: ptp.ClockAccuracyUnknown,
			Priority2:     128,
			TimeSource:    ptp.TimeSourceInternalOscillator,
		},
		MonitoringPort: 4269,
		StateInterval:  10 * time.Second,
	}
}

// Read parses a JSON config document from path, starting from Default and
// overlaying whatever the document sets.
func Read(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Prepare reads path (if non-empty, otherwise starts from Default), then
// validates the result. Validation errors are diagnostics, not a fail-fast
// single error: every problem is collected so an operator sees them all at
// once, matching configtest's intended output.
func Prepare(path string) (*Config, []string, error) {
	var cfg *Config
	var err error
	if path != "" {
		cfg, err = Read(path)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cfg = Default()
	}
	return cfg, cfg.Validate(), nil
}

// Validate returns every diagnostic found with cfg; an empty slice means cfg
// is ready to run.
func (c *Config) Validate() []string {
	var diags []string

	if !c.ClientMode.Enabled && !c.ServerMode.Enabled {
		diags = append(diags, "neither clientMode nor serverMode is enabled: nothing to run")
	}

	if c.ClientMode.Enabled {
		if len(c.ClientMode.Servers) == 0 {
			diags = append(diags, "clientMode.servers must have at least one entry")
		}
		for i, s := range c.ClientMode.Servers {
			diags = append(diags, c.validateServer(i, s)...)
		}
		switch c.ClientMode.Selection.Variant {
		case "stddev", "btca", "":
		default:
			diags = append(diags, fmt.Sprintf("clientMode.selection.variant %q is not stddev or btca", c.ClientMode.Selection.Variant))
		}
		for _, a := range c.ClientMode.Adjustments {
			if a != "pid" && a != "direct" {
				diags = append(diags, fmt.Sprintf("clientMode.adjustments entry %q is not pid or direct", a))
			}
		}
	}

	if c.ServerMode.Enabled {
		if len(c.ServerMode.Listeners) == 0 {
			diags = append(diags, "serverMode.listeners must have at least one entry")
		}
		for i, l := range c.ServerMode.Listeners {
			if l.Interface == "" {
				diags = append(diags, fmt.Sprintf("serverMode.listeners[%d].interface must be set", i))
			}
			if l.TimestampLevel != "" {
				if _, err := netio.ParseLevel(l.TimestampLevel); err != nil {
					diags = append(diags, fmt.Sprintf("serverMode.listeners[%d]: %v", i, err))
				}
			}
		}
	}

	if c.MonitoringPort < 0 {
		diags = append(diags, "monitoringPort must be 0 or positive")
	}
	if c.DSCP < 0 {
		diags = append(diags, "dscp must be 0 or positive")
	}

	return diags
}

func (c *Config) validateServer(i int, s ServerConfig) []string {
	var diags []string
	if s.DstAddress == "" {
		diags = append(diags, fmt.Sprintf("clientMode.servers[%d].dstAddress must be set", i))
	}
	if s.SrcInterface == "" {
		diags = append(diags, fmt.Sprintf("clientMode.servers[%d].srcInterface must be set", i))
	}
	if s.TimestampLevel != "" {
		if _, err := netio.ParseLevel(s.TimestampLevel); err != nil {
			diags = append(diags, fmt.Sprintf("clientMode.servers[%d]: %v", i, err))
		}
	}
	switch s.Calculation {
	case "", "passthrough", "arithmetic_mean":
	default:
		diags = append(diags, fmt.Sprintf("clientMode.servers[%d].calculation %q is not passthrough or arithmetic_mean", i, s.Calculation))
	}
	for _, f := range s.Filters {
		if f != "lucky" && f != "median" {
			diags = append(diags, fmt.Sprintf("clientMode.servers[%d].filters entry %q is not lucky or median", i, f))
		}
	}
	if s.MinProtocolVersion != "" {
		if _, err := hashiversion.NewVersion(s.MinProtocolVersion); err != nil {
			diags = append(diags, fmt.Sprintf("clientMode.servers[%d].minProtocolVersion %q: %v", i, s.MinProtocolVersion, err))
		}
	}
	return diags
}
