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

package phc

import (
	"fmt"
	"golang.org/x/sys/unix"
	"os"
	"time"
)

// SysoffResult is a result of PHC time measurement with related data
type SysoffResult struct {
	Offset  time.Duration
	Delay   time.Duration
	SysTime time.Time
	PHCTime time.Time
}

// SysoffEstimateBasic estimates the offset between a PHC and the system
// clock from a single pre/PHC/post system timestamp triplet, based on
// calculate_offset from ptp4l phc_ctl.c.
func SysoffEstimateBasic(ts1, rt, ts2 time.Time) SysoffResult {
	interval := ts2.Sub(ts1)
	sysTime := ts1.Add(interval / 2)
	offset := ts2.Sub(rt) - (interval / 2)

	return SysoffResult{
		SysTime: sysTime,
		PHCTime: rt,
		Delay:   ts2.Sub(ts1),
		Offset:  offset,
	}
}

// sysoffFromExtendedTS converts a single [sys, phc, sys] sample triplet
// reported by PTP_SYS_OFFSET_EXTENDED into a SysoffResult, loosely based on
// sysoff_estimate from ptp4l sysoff.c.
func sysoffFromExtendedTS(ts [3]PTPClockTime) SysoffResult {
	t1 := ts[0].Time()
	tp := ts[1].Time()
	t2 := ts[2].Time()
	interval := t2.Sub(t1)
	sysTime := t1.Add(interval / 2)

	return SysoffResult{
		SysTime: sysTime,
		PHCTime: tp,
		Delay:   interval,
		Offset:  sysTime.Sub(tp),
	}
}

// SysoffEstimateExtended picks the sample with the shortest system round
// trip out of a PTP_SYS_OFFSET_EXTENDED reading.
func SysoffEstimateExtended(extended *PTPSysOffsetExtended) SysoffResult {
	best := sysoffFromExtendedTS(extended.TS[0])
	for i := 1; i < int(extended.NSamples); i++ {
		candidate := sysoffFromExtendedTS(extended.TS[i])
		if candidate.Delay < best.Delay {
			best = candidate
		}
	}
	return best
}

// OffsetBetweenExtendedReadings returns the PHC clock offset accumulated
// between two PTP_SYS_OFFSET_EXTENDED readings of the same device, useful
// for estimating drift across a measurement interval.
func OffsetBetweenExtendedReadings(a, b *PTPSysOffsetExtended) time.Duration {
	return CalcPHCOffet(SysoffEstimateExtended(a), SysoffEstimateExtended(b))
}

// TimeAndOffset returns time we got from network card + offset
func TimeAndOffset(iface string, method TimeMethod) (SysoffResult, error) {
	device, err := IfaceToPHCDevice(iface)
	if err != nil {
		return SysoffResult{}, err
	}
	return TimeAndOffsetFromDevice(device, method)
}

// TimeAndOffsetFromDevice returns time we got from phc device + offset
func TimeAndOffsetFromDevice(device string, method TimeMethod) (SysoffResult, error) {
	switch method {
	case MethodSyscallClockGettime:
		f, err := os.Open(device)
		if err != nil {
			return SysoffResult{}, err
		}
		defer f.Close()
		var ts unix.Timespec
		ts1 := time.Now()
		err = unix.ClockGettime(FDToClockID(f.Fd()), &ts)
		ts2 := time.Now()
		if err != nil {
			return SysoffResult{}, fmt.Errorf("failed clock_gettime: %w", err)
		}

		return SysoffEstimateBasic(ts1, time.Unix(ts.Unix()), ts2), nil
	case MethodIoctlSysOffsetExtended:
		extended, err := ReadPTPSysOffsetExtended(device)
		if err != nil {
			return SysoffResult{}, err
		}
		return SysoffEstimateExtended(extended), nil
	}
	return SysoffResult{}, fmt.Errorf("unknown method to get PHC time %q", method)
}

// ReadPTPSysOffsetExtended opens device and performs a PTP_SYS_OFFSET_EXTENDED
// ioctl against it.
func ReadPTPSysOffsetExtended(device string) (*PTPSysOffsetExtended, error) {
	f, err := os.Open(device)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromFile(f).ReadSysoffExtended1()
}

// CalcPHCOffet calculates the offset between 2 SysoffResult
func CalcPHCOffet(timeAndOffsetA, timeAndOffsetB SysoffResult) (PHCDiff time.Duration) {
	sysOffset := timeAndOffsetB.SysTime.Sub(timeAndOffsetA.SysTime)
	phcOffset := timeAndOffsetB.PHCTime.Sub(timeAndOffsetA.PHCTime)
	phcOffset -= sysOffset

	return phcOffset
}
