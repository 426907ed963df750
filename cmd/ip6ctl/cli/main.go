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

// Package cli is the main entrypoint for ip6ctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/ip6stack/ip6stack/cmd/ip6ctl/cmd"
	"github.com/ip6stack/ip6stack/pkg/config"
	"github.com/ip6stack/ip6stack/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to the TOML configuration file. Built-in defaults are used when empty.")
	logLevel   = flag.String("log-level", "", "overrides log.level of the configuration: warning, info or debug.")
	logFormat  = flag.String("log-format", "", "overrides log.format of the configuration: text or json.")
	debug      = flag.Bool("debug", false, "shorthand for -log-level=debug.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ip6ctl: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	if err := setupLogging(conf, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ip6ctl: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}
	log.Debugf("ip6ctl %s/%s %s, args: %v", runtime.GOOS, runtime.GOARCH, runtime.Version(), os.Args)

	// Call the subcommand and pass in the configuration.
	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *logLevel != "" {
		conf.Log.Level = *logLevel
	}
	if *debug {
		conf.Log.Level = "debug"
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	return conf, conf.Validate()
}

func setupLogging(conf *config.Config, w io.Writer) error {
	level, err := config.ParseLevel(conf.Log.Level)
	if err != nil {
		return err
	}
	log.SetTarget(newEmitter(conf.Log.Format, w))
	log.SetLevel(level)
	return nil
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	default:
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	}
}

// forEachCmd invokes the passed callback for each command supported by
// ip6ctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const inspectGroup = "inspect"
	cb(new(cmd.Addr), inspectGroup)
	cb(new(cmd.SrcSel), inspectGroup)
	cb(new(cmd.Decode), inspectGroup)

	cb(new(cmd.Run), "")
}
