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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/timeplex/unisyncd/adjust"
	"github.com/timeplex/unisyncd/client"
	"github.com/timeplex/unisyncd/client/calc"
	"github.com/timeplex/unisyncd/client/filter"
	"github.com/timeplex/unisyncd/client/worker"
	"github.com/timeplex/unisyncd/config"
	"github.com/timeplex/unisyncd/netio"
	ptp "github.com/timeplex/unisyncd/protocol"
	"github.com/timeplex/unisyncd/selector"
	"github.com/timeplex/unisyncd/server"
	"github.com/timeplex/unisyncd/stats"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon: synchronize as a client, serve as a server, or both",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()

		cfg, diags, err := config.Prepare(rootConfigFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		for _, d := range diags {
			log.Warn(d)
		}
		if len(diags) > 0 {
			return fmt.Errorf("config has %d problem(s), see above (run 'configtest' for details)", len(diags))
		}

		if rootPprofFlag != "" {
			log.Warnf("starting profiler on %s", rootPprofFlag)
			go func() {
				if err := http.ListenAndServe(rootPprofFlag, nil); err != nil {
					log.Errorf("pprof listener: %v", err)
				}
			}()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runDaemon(ctx, cfg)
	},
}

func init() {
	RootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	inv := netio.NewInventory(cfg.DSCP)
	defer func() {
		if err := inv.Close(); err != nil {
			log.Warnf("closing inventory: %v", err)
		}
	}()

	recorder := stats.NewRecorder()
	var workersFn func() []*worker.Worker

	g, ctx := errgroup.WithContext(ctx)

	var clientCoordinator *client.Coordinator
	if cfg.ClientMode.Enabled {
		cc, err := buildClientCoordinator(inv, cfg.ClientMode)
		if err != nil {
			return fmt.Errorf("building client coordinator: %w", err)
		}
		clientCoordinator = cc
		workersFn = cc.Workers
		g.Go(func() error { return cc.Run(ctx) })
	}

	if cfg.ServerMode.Enabled {
		srv, err := buildServer(inv, cfg.ServerMode, clientCoordinator)
		if err != nil {
			return fmt.Errorf("building server: %w", err)
		}
		g.Go(func() error { return srv.Run(ctx) })
	}

	if cfg.MonitoringPort != 0 {
		if workersFn == nil {
			workersFn = func() []*worker.Worker { return nil }
		}
		monitor := stats.NewMonitor(workersFn, recorder)
		g.Go(func() error { return monitor.Run(ctx, stats.Addr(cfg.MonitoringPort), cfg.StateInterval) })
	}

	g.Go(func() error {
		sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
		if err != nil {
			log.Debugf("sd_notify READY: %v", err)
		} else if sent {
			log.Debug("sd_notify: READY=1 delivered")
		}
		return watchdogLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchdogLoop pings systemd's watchdog at half its configured interval, if
// WATCHDOG_USEC is set in the environment; otherwise it just waits for ctx.
func watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debugf("sd_notify WATCHDOG: %v", err)
			}
		}
	}
}

func buildClientCoordinator(inv netio.Inventory, cfg config.ClientModeConfig) (*client.Coordinator, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("clientMode.servers is empty")
	}

	targetClockID, err := inv.InterfacePTPClockID(cfg.Servers[0].SrcInterface)
	if err != nil {
		return nil, fmt.Errorf("resolving local clock identity from %s: %w", cfg.Servers[0].SrcInterface, err)
	}

	variant, err := parseVariant(cfg.Selection.Variant)
	if err != nil {
		return nil, err
	}
	selCfg := selector.Config{
		TargetClockID:       targetClockID,
		DelayThreshold:      cfg.Selection.DelayThreshold,
		IntersectionPadding: cfg.Selection.IntersectionPadding,
		MaxOffsetDifference: cfg.Selection.MaxOffsetDifference,
		Pick:                cfg.Selection.Pick,
		Variant:             variant,
	}

	adjuster, err := buildAdjuster(cfg.Adjustments, targetClockID)
	if err != nil {
		return nil, err
	}

	cc := client.NewCoordinator(inv, selCfg, adjuster)
	for _, s := range cfg.Servers {
		w, err := buildWorker(targetClockID, s)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", s.DstAddress, err)
		}
		cc.AddWorker(w)
	}
	return cc, nil
}

func parseVariant(v string) (selector.Variant, error) {
	switch v {
	case "", "stddev":
		return selector.VariantStdDev, nil
	case "btca":
		return selector.VariantBTCA, nil
	default:
		return 0, fmt.Errorf("unknown selection variant %q", v)
	}
}

func buildAdjuster(preference []string, targetClockID ptp.ClockIdentity) (client.Adjuster, error) {
	name := "pid"
	if len(preference) > 0 {
		name = preference[0]
	}
	switch name {
	case "pid":
		return &adjust.PID{Clock: netio.NewSystemClock(), TargetClockID: targetClockID, Cfg: adjust.DefaultPIDConfig()}, nil
	case "direct":
		return &adjust.DirectOffset{Clock: netio.NewSystemClock(), TargetClockID: targetClockID}, nil
	default:
		return nil, fmt.Errorf("unknown adjustment %q", name)
	}
}

func buildWorker(targetClockID ptp.ClockIdentity, s config.ServerConfig) (*worker.Worker, error) {
	dst, err := net.ResolveUDPAddr("udp", s.DstAddress)
	if err != nil {
		return nil, fmt.Errorf("resolving dstAddress %q: %w", s.DstAddress, err)
	}

	level := netio.LevelSocket
	if s.TimestampLevel != "" {
		level, err = netio.ParseLevel(s.TimestampLevel)
		if err != nil {
			return nil, err
		}
	}

	interval := s.Interval
	if interval == 0 {
		interval = time.Second
	}
	logInterval, err := ptp.NewLogInterval(interval)
	if err != nil {
		return nil, fmt.Errorf("interval %s: %w", interval, err)
	}

	stateInterval := ptp.LogInterval(0x7f) // disabled unless StateInterval is set
	if s.StateInterval > 0 {
		stateInterval, err = ptp.NewLogInterval(s.StateInterval)
		if err != nil {
			return nil, fmt.Errorf("stateInterval %s: %w", s.StateInterval, err)
		}
	}

	chain := buildFilterChain(s.Filters)
	calculator, err := buildCalculator(s.Calculation)
	if err != nil {
		return nil, err
	}

	w := worker.New(worker.Config{
		ClockIdentity: targetClockID,
		SrcInterface:  s.SrcInterface,
		DstAddress:    dst,
		OneStep:       s.OneStep,
		SyncTLV:       s.SyncTLV,
		Interval:      logInterval,
		Timeout:       s.Timeout(),
		Level:         level,
		StateInterval: stateInterval,
		FilterChain:   chain,
		Calculator:    calculator,
	})
	w.SetNoSelect(s.NoSelect)
	return w, nil
}

// buildFilterChain maps the configured filter names onto filter.Stage
// instances, in order. An empty list yields a pass-through chain with no
// stages, matching a single-sample-per-tick worker.
func buildFilterChain(names []string) *filter.Chain {
	var stages []filter.Stage
	for _, n := range names {
		switch n {
		case "lucky":
			stages = append(stages, filter.NewLuckyPacket(8, 4))
		case "median":
			stages = append(stages, filter.NewMedianOffset(8, 4))
		}
	}
	return filter.NewChain(stages...)
}

func buildCalculator(name string) (calc.Calculator, error) {
	switch name {
	case "", "passthrough":
		return calc.NewPassThrough(0), nil
	case "arithmetic_mean":
		return calc.NewArithmeticMean(8, 0)
	default:
		return nil, fmt.Errorf("unknown calculation %q", name)
	}
}

func buildServer(inv netio.Inventory, cfg config.ServerModeConfig, clientCoordinator *client.Coordinator) (*server.Server, error) {
	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("serverMode.listeners is empty")
	}

	state := server.StaticGrandmasterState{
		Priority1:     cfg.Priority1,
		ClockClass:    cfg.ClockClass,
		ClockAccuracy: cfg.ClockAccuracy,
		ClockVariance: cfg.ClockVariance,
		Priority2:     cfg.Priority2,
		TimeSource:    cfg.TimeSource,
	}
	table := server.NewTable()

	listeners := make([]*server.Listener, 0, len(cfg.Listeners))
	for _, l := range cfg.Listeners {
		clockID, err := inv.InterfacePTPClockID(l.Interface)
		if err != nil {
			return nil, fmt.Errorf("resolving clock identity for %s: %w", l.Interface, err)
		}

		synth := &server.Synthesizer{Inventory: inv, State: state, UTCOffset: l.UTCOffset}
		coordinator := &server.Coordinator{
			Table:         table,
			Synth:         synth,
			Inventory:     inv,
			Interfaces:    []string{l.Interface},
			ClockIdentity: clockID,
		}
		if clientCoordinator != nil {
			coordinator.OnClientResponse = clientCoordinator.HandleResponse
		}

		level := netio.LevelSocket
		if l.TimestampLevel != "" {
			level, err = netio.ParseLevel(l.TimestampLevel)
			if err != nil {
				return nil, err
			}
		}

		listeners = append(listeners, &server.Listener{
			Cfg: server.ListenerConfig{
				Interface: l.Interface,
				Specs:     buildSocketSpecs(l, level),
			},
			Inventory:   inv,
			Coordinator: coordinator,
		})
	}

	return server.New(listeners...), nil
}

// buildSocketSpecs returns the IPv4 and IPv6 event/general socket profiles
// a Listener binds for one configured interface.
func buildSocketSpecs(l config.ListenerConfig, level netio.TimestampLevel) []netio.SocketSpec {
	eventPort := l.EventPort
	if eventPort == 0 {
		eventPort = 319
	}
	generalPort := l.GeneralPort
	if generalPort == 0 {
		generalPort = 320
	}

	return []netio.SocketSpec{
		{Interface: l.Interface, Family: unix.AF_INET, Port: uint16(eventPort), Level: level},
		{Interface: l.Interface, Family: unix.AF_INET, Port: uint16(generalPort), Level: level},
		{Interface: l.Interface, Family: unix.AF_INET6, Port: uint16(eventPort), Level: level},
		{Interface: l.Interface, Family: unix.AF_INET6, Port: uint16(generalPort), Level: level},
	}
}
