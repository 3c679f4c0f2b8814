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
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timeplex/unisyncd/netio"
)

// defaultRecvTimeout bounds every blocking socket read so shutdown and the
// once-a-second sweep both make progress regardless of traffic.
const defaultRecvTimeout = 100 * time.Millisecond

// sweepInterval is how often the Request Table is swept for timed-out
// requests.
const sweepInterval = time.Second

// ListenerConfig names the interface and socket profiles one Listener binds.
type ListenerConfig struct {
	Interface   string
	Specs       []netio.SocketSpec // layer-2, IPv4 event/general, IPv6 event/general
	RecvTimeout time.Duration
}

// Listener receives packets across one interface's socket profiles and
// drives a Coordinator from them. Each configured socket profile is
// independently optional: a bind failure on one does not take down the
// other four, it only narrows Specs before Run is called.
type Listener struct {
	Cfg         ListenerConfig
	Inventory   netio.Inventory
	Coordinator *Coordinator
}

// Run blocks, alternating bounded Recv calls with once-a-second sweeps,
// until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	timeout := l.Cfg.RecvTimeout
	if timeout == 0 {
		timeout = defaultRecvTimeout
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, req := range l.Coordinator.Table.SweepTimeouts(time.Now()) {
				log.Debugf("%s: request from %s seq=%d timed out", l.Cfg.Interface, req.SrcAddr, req.SequenceID)
			}
		default:
		}

		if _, err := l.Inventory.Recv(l.Cfg.Specs, timeout, l.Coordinator.HandleMessage); err != nil {
			return fmt.Errorf("%s: %w", l.Cfg.Interface, err)
		}
	}
}
