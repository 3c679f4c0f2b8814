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

package netio

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/timeplex/unisyncd/clock"
	"github.com/timeplex/unisyncd/phc"
)

// SystemClock adjusts CLOCK_REALTIME, used when a SocketSpec has no PHC
// backing it and the adjuster has to fall back to the kernel's system clock.
type SystemClock struct{}

// NewSystemClock returns a ClockAPI handle for CLOCK_REALTIME.
func NewSystemClock() *SystemClock { return &SystemClock{} }

// Name implements netio.ClockAPI.
func (*SystemClock) Name() string { return "CLOCK_REALTIME" }

// GetTime implements netio.ClockAPI.
func (*SystemClock) GetTime() (time.Time, error) { return time.Now(), nil }

// SetTime implements netio.ClockAPI.
func (*SystemClock) SetTime(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	return unix.ClockSettime(unix.CLOCK_REALTIME, &ts)
}

// AdjustOffset implements netio.ClockAPI by stepping CLOCK_REALTIME.
func (*SystemClock) AdjustOffset(offset time.Duration) error {
	state, err := clock.Step(unix.CLOCK_REALTIME, offset)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("CLOCK_REALTIME state %d is not TIME_OK after step", state)
	}
	return err
}

// Frequency implements netio.ClockAPI.
func (*SystemClock) Frequency() (float64, error) {
	freqPPB, state, err := clock.FrequencyPPB(unix.CLOCK_REALTIME)
	if err == nil && state != unix.TIME_OK {
		return freqPPB, fmt.Errorf("CLOCK_REALTIME state %d is not TIME_OK", state)
	}
	return freqPPB, err
}

// AdjustFrequency implements netio.ClockAPI.
func (*SystemClock) AdjustFrequency(ppb float64) error {
	state, err := clock.AdjFreqPPB(unix.CLOCK_REALTIME, ppb)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("CLOCK_REALTIME state %d is not TIME_OK after frequency adjustment", state)
	}
	return err
}

// PHCClock adjusts a PTP Hardware Clock character device, used when the
// selected server/interface pair is backed by one of InterfacePHCInfo's
// devices.
type PHCClock struct {
	file *os.File
	dev  *phc.Device
}

// NewPHCClock opens device (e.g. "/dev/ptp0") and returns a ClockAPI handle
// for it. The caller owns the returned PHCClock and must Close it.
func NewPHCClock(device string) (*PHCClock, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", device, err)
	}
	return &PHCClock{file: f, dev: phc.FromFile(f)}, nil
}

// Close releases the underlying device file.
func (c *PHCClock) Close() error { return c.file.Close() }

// Name implements netio.ClockAPI.
func (c *PHCClock) Name() string { return c.file.Name() }

// GetTime implements netio.ClockAPI.
func (c *PHCClock) GetTime() (time.Time, error) { return c.dev.Time() }

// SetTime implements netio.ClockAPI.
func (c *PHCClock) SetTime(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	return unix.ClockSettime(phc.FDToClockID(c.file.Fd()), &ts)
}

// AdjustOffset implements netio.ClockAPI.
func (c *PHCClock) AdjustOffset(offset time.Duration) error {
	return phc.ClockStep(c.file, offset)
}

// Frequency implements netio.ClockAPI.
func (c *PHCClock) Frequency() (float64, error) {
	return phc.FrequencyPPBFromDevice(c.file)
}

// AdjustFrequency implements netio.ClockAPI.
func (c *PHCClock) AdjustFrequency(ppb float64) error {
	return phc.ClockAdjFreq(c.file, ppb)
}
