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
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/ip6stack/ip6stack/pkg/config"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/header"
)

// Addr implements subcommands.Command for the "addr" command.
type Addr struct {
	advance time.Duration
}

// Name implements subcommands.Command.Name.
func (*Addr) Name() string {
	return "addr"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Addr) Synopsis() string {
	return "show the address table the configuration produces"
}

// Usage implements subcommands.Command.Usage.
func (*Addr) Usage() string {
	return `addr [flags] - configure an offline stack and print its addresses.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Addr) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&a.advance, "advance", 0, "simulated time to let pass before printing, e.g. to finish DAD.")
}

// Execute implements subcommands.Command.Execute.
func (a *Addr) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := a.run(ctx, configFromArgs(args), os.Stdout); err != nil {
		return failure("addr: %v", err)
	}
	return subcommands.ExitSuccess
}

func (a *Addr) run(ctx context.Context, conf *config.Config, w io.Writer) error {
	if a.advance < 0 {
		return fmt.Errorf("negative -advance %s", a.advance)
	}
	sim, err := newSimulation(ctx, conf)
	if err != nil {
		return err
	}
	sim.advance(a.advance)

	infos, tcpipErr := sim.proto.AddressDetails(nicID)
	if tcpipErr != nil {
		return tcpip.AsError(tcpipErr)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tSTATE\tMODE\tTYPE\tPREFERRED\tVALID")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.Address, info.State, info.Mode, info.Type,
			formatLifetime(info.PreferredLifetime), formatLifetime(info.ValidLifetime))
	}
	return tw.Flush()
}

func formatLifetime(d time.Duration) string {
	if d >= header.NDPInfiniteLifetime {
		return "forever"
	}
	return d.Round(time.Second).String()
}
