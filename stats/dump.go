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

package stats

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// RenderStateDump writes rows as a fixed-width, colorized state-dump table,
// one row per server, state mark first. Nothing in the module calls it; the
// monitoring endpoint serves the same rows as JSON.
func RenderStateDump(w io.Writer, rows Stats) {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(20)
	table.SetHeader([]string{
		"", "address", "clock", "p1", "class", "accuracy", "variance", "p2", "removed", "reach", "delay", "offset", "stddev",
	})
	for _, r := range rows {
		table.Append(r.row())
	}
	table.Render()
}

func (s *Stat) row() []string {
	mark := markColor(s.StateMark)

	p1, class, accuracy, variance, p2, removed := "-", "-", "-", "-", "-", "-"
	if s.ServerState != nil {
		p1 = fmt.Sprintf("%d", s.ServerState.Priority1)
		class = fmt.Sprintf("%d", s.ServerState.ClockClass)
		accuracy = fmt.Sprintf("0x%02x", uint8(s.ServerState.ClockAccuracy))
		variance = fmt.Sprintf("0x%04x", s.ServerState.ClockVariance)
		p2 = fmt.Sprintf("%d", s.ServerState.Priority2)
		removed = fmt.Sprintf("%d", s.ServerState.StepsRemoved)
	}

	return []string{
		mark,
		s.Address,
		s.ClockIdentity,
		p1, class, accuracy, variance, p2, removed,
		fmt.Sprintf("%04x", s.Reach),
		s.Delay.String(),
		s.Offset.String(),
		fmt.Sprintf("%.0f", s.StdDev),
	}
}

func markColor(mark string) string {
	switch mark {
	case "*":
		return color.GreenString(mark)
	case "+":
		return color.CyanString(mark)
	case "-":
		return color.RedString(mark)
	case "!":
		return color.YellowString(mark)
	default:
		return mark
	}
}
