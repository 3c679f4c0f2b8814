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
	"context"

	"golang.org/x/sync/errgroup"

	ptp "github.com/timeplex/unisyncd/protocol"
)

// Server supervises one Listener per configured server-mode interface. A
// single Listener's fatal exit brings down the whole group, matching the
// teacher's one-goroutine-per-resource/errgroup convention.
type Server struct {
	Listeners []*Listener
}

// New returns a Server supervising the given Listeners.
func New(listeners ...*Listener) *Server {
	return &Server{Listeners: listeners}
}

// Run starts every Listener and blocks until ctx is cancelled or one of them
// returns a non-context-cancellation error.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.Listeners {
		l := l
		g.Go(func() error { return l.Run(ctx) })
	}
	return g.Wait()
}

// StaticGrandmasterState is a GrandmasterState whose fields are fixed at
// startup from server config, for a server that is itself the grandmaster
// (stepsRemoved == 0) rather than a boundary clock relaying an upstream
// Server Worker's view.
type StaticGrandmasterState struct {
	Priority1     uint8
	ClockClass    ptp.ClockClass
	ClockAccuracy ptp.ClockAccuracy
	ClockVariance uint16
	Priority2     uint8
	TimeSource    ptp.TimeSource
}

// ServerState implements GrandmasterState.
func (s StaticGrandmasterState) ServerState() ptp.ServerStateDS {
	return ptp.ServerStateDS{
		Priority1:     s.Priority1,
		ClockClass:    s.ClockClass,
		ClockAccuracy: s.ClockAccuracy,
		ClockVariance: s.ClockVariance,
		Priority2:     s.Priority2,
		StepsRemoved:  0,
		TimeSource:    s.TimeSource,
	}
}
