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

package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"

	ptp "github.com/timeplex/unisyncd/protocol"
)

var errInsaneUTCoffset = errors.New("UTC offset is outside of sane range")

// dcMux guards DynamicConfig reloads triggered by SIGHUP.
var dcMux = sync.Mutex{}

// StaticConfig are the options that require a server restart to take effect.
type StaticConfig struct {
	ConfigFile     string
	DebugAddr      string
	DSCP           int
	Interface      string
	IP             net.IP
	LogLevel       string
	MonitoringPort int
	PidFile        string
	TimestampType  string
}

// DynamicConfig are the options reloadable via SIGHUP without a restart.
type DynamicConfig struct {
	// ClockAccuracy this server reports in its ServerStateDS.
	ClockAccuracy ptp.ClockAccuracy
	// ClockClass this server reports in its ServerStateDS. 6 == locked to a
	// primary reference clock.
	ClockClass ptp.ClockClass
	// MetricInterval is how often accumulated metrics are snapshotted and reset.
	MetricInterval time.Duration
	// UTCOffset is the current TAI-UTC offset, written into responses when
	// hardware timestamping is active.
	UTCOffset time.Duration
}

// Config is a server-mode config for one interface.
type Config struct {
	StaticConfig
	DynamicConfig

	clockIdentity ptp.ClockIdentity
}

// UTCOffsetSanity checks that UTCOffset falls within the plausible TAI-UTC
// range; as of 2026 that offset is 37 seconds.
func (dc *DynamicConfig) UTCOffsetSanity() error {
	if dc.UTCOffset < 30*time.Second || dc.UTCOffset > 50*time.Second {
		return errInsaneUTCoffset
	}
	return nil
}

// ReadDynamicConfig loads and validates a DynamicConfig from a YAML file,
// used for the SIGHUP reload path.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := &DynamicConfig{}
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(cData, &dc); err != nil {
		return nil, err
	}

	if err := dc.UTCOffsetSanity(); err != nil {
		return nil, err
	}

	return dc, nil
}

// Write persists a DynamicConfig to path as YAML.
func (dc *DynamicConfig) Write(path string) error {
	d, err := yaml.Marshal(&dc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0644)
}

// IfaceHasIP reports whether the configured IP is assigned to the
// configured interface.
func (c *Config) IfaceHasIP() (bool, error) {
	ips, err := ifaceIPs(c.Interface)
	if err != nil {
		return false, err
	}
	for _, ip := range ips {
		if c.IP.Equal(ip) {
			return true, nil
		}
	}
	return false, nil
}

// CreatePidFile creates a pid file at the configured location.
func (c *Config) CreatePidFile() error {
	return os.WriteFile(c.PidFile, []byte(fmt.Sprintf("%d\n", unix.Getpid())), 0644)
}

// DeletePidFile removes the pid file at the configured location.
func (c *Config) DeletePidFile() error {
	return os.Remove(c.PidFile)
}

// ReadPidFile reads a pid file and returns the pid it holds.
func ReadPidFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.Replace(string(content), "\n", "", -1))
}

func ifaceIPs(iface string) ([]net.IP, error) {
	i, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	addrs, err := i.Addrs()
	if err != nil {
		return nil, err
	}
	res := []net.IP{}
	for _, addr := range addrs {
		ip := addr.(*net.IPNet).IP
		res = append(res, ip)
	}
	res = append(res, net.IPv6zero)
	res = append(res, net.IPv4zero)
	return res, nil
}
