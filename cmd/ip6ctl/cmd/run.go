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

//go:build linux
// +build linux

package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ip6stack/ip6stack/pkg/config"
	"github.com/ip6stack/ip6stack/pkg/log"
	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/fdbased"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/sniffer"
	"github.com/ip6stack/ip6stack/pkg/tcpip/link/tun"
	"github.com/ip6stack/ip6stack/pkg/tcpip/metrics"
	"github.com/ip6stack/ip6stack/pkg/tcpip/stack"
)

// shutdownTimeout bounds how long the metrics server may take to drain.
const shutdownTimeout = 5 * time.Second

// Run implements subcommands.Command for the "run" command.
type Run struct {
	skipLinkSetup bool
	pcapPath      string
	logPackets    bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run the stack over a TUN device until interrupted"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - attach to the configured TUN device, apply the
configuration and serve metrics until SIGINT or SIGTERM.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.skipLinkSetup, "skip-link-setup", false, "do not set the MTU or bring the host interface up.")
	f.StringVar(&r.pcapPath, "pcap", "", "record every packet to this pcap file.")
	f.BoolVar(&r.logPackets, "log-packets", false, "log a summary line per packet.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := r.run(ctx, configFromArgs(args)); err != nil {
		return failure("run: %v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Run) run(ctx context.Context, conf *config.Config) error {
	open := tun.Open
	if conf.Interface.PacketInfo {
		open = tun.OpenWithPacketInfo
	}
	fd, err := open(conf.Interface.Name)
	if err != nil {
		return fmt.Errorf("opening TUN device %q: %w", conf.Interface.Name, err)
	}
	defer unix.Close(fd)

	if !r.skipLinkSetup {
		if err := tun.SetupLink(conf.Interface.Name, conf.Interface.MTU); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ep, err := fdbased.New(&fdbased.Options{
		FD:         fd,
		MTU:        conf.Interface.MTU,
		PacketInfo: conf.Interface.PacketInfo,
		ClosedFunc: func(err tcpip.Error) {
			cancel(fmt.Errorf("TUN device closed: %w", tcpip.AsError(err)))
		},
	})
	if err != nil {
		return err
	}
	link, closeLink, err := r.wrapLink(ep)
	if err != nil {
		ep.Close()
		return err
	}
	defer func() {
		// The capture file is released once the read loop has stopped.
		ep.Close()
		closeLink()
	}()

	n, err := newNode(conf, link, tcpip.NewStdClock())
	if err != nil {
		return err
	}
	log.Infof("ip6ctl: running on %s (mtu %d)", conf.Interface.Name, conf.Interface.MTU)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.configure(gctx, conf, true)
	})
	if conf.Metrics.Listen != "" {
		if err := serveMetrics(gctx, g, conf, n); err != nil {
			return err
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		return context.Cause(gctx)
	})

	err = g.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	} else if errors.Is(err, context.Canceled) {
		// Interrupted.
		err = nil
	}
	log.Infof("ip6ctl: stopping: sent=%d received=%d delivered=%d",
		n.proto.Stats().IP.PacketsSent.Value(),
		n.proto.Stats().IP.PacketsReceived.Value(),
		n.proto.Stats().IP.PacketsDelivered.Value())
	return err
}

// wrapLink interposes a sniffer when packet logging or recording is
// requested. The returned func releases the capture file.
func (r *Run) wrapLink(ep stack.LinkEndpoint) (stack.LinkEndpoint, func(), error) {
	if r.pcapPath == "" && !r.logPackets {
		return ep, func() {}, nil
	}
	opts := sniffer.Options{Log: r.logPackets}
	closeFn := func() {}
	if r.pcapPath != "" {
		f, err := os.Create(r.pcapPath)
		if err != nil {
			return nil, nil, fmt.Errorf("creating capture file: %w", err)
		}
		w := bufio.NewWriter(f)
		opts.PCAP = w
		closeFn = func() {
			if err := w.Flush(); err != nil {
				log.Warningf("ip6ctl: flushing %s: %v", r.pcapPath, err)
			}
			f.Close()
		}
	}
	s, err := sniffer.New(ep, opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return s, closeFn, nil
}

// serveMetrics starts the Prometheus endpoint in g. The server stops when
// ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, conf *config.Config, n *node) error {
	reg, err := metrics.NewRegistry(metrics.NewCollector(metrics.DefaultNamespace, n.proto.Stats(), prometheus.Labels{"nic": conf.Interface.Name}))
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", conf.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("ip6ctl: serving metrics on http://%s/metrics", ln.Addr())

	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}
