// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/ip6stack/ip6stack/pkg/config"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// SrcSel implements subcommands.Command for the "srcsel" command.
type SrcSel struct{}

// Name implements subcommands.Command.Name.
func (*SrcSel) Name() string {
	return "srcsel"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SrcSel) Synopsis() string {
	return "show the source address chosen for destinations"
}

// Usage implements subcommands.Command.Usage.
func (*SrcSel) Usage() string {
	return `srcsel <destination>... - print the source address the configured stack
selects for each destination.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*SrcSel) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *SrcSel) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.run(ctx, configFromArgs(args), f.Args(), os.Stdout); err != nil {
		return failure("srcsel: %v", err)
	}
	return subcommands.ExitSuccess
}

// run prints one line per destination. Selection failures are reported in
// line; only setup errors are returned.
func (*SrcSel) run(ctx context.Context, conf *config.Config, dsts []string, w io.Writer) error {
	sim, err := newSimulation(ctx, conf)
	if err != nil {
		return err
	}
	// Addresses without DAD are usable at once; give DAD its full run plus
	// the step that sends the first probe.
	sim.advance(conf.DAD.RetransmitTimer.Duration*time.Duration(max(conf.DAD.Transmits, 1)) + simulationStep)

	for _, d := range dsts {
		ip, err := netip.ParseAddr(d)
		if err != nil || !ip.Is6() || ip.Is4In6() {
			return fmt.Errorf("%q is not an IPv6 address", d)
		}
		b := ip.As16()
		dst := tcpip.Address(b[:])

		src, tcpipErr := sim.proto.SelectSource(nicID, dst)
		if tcpipErr != nil {
			fmt.Fprintf(w, "%s: %s\n", dst, tcpipErr)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", dst, src)
	}
	return nil
}
