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

// Package cmd holds implementations of the ip6ctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/ip6stack/ip6stack/pkg/config"
	"github.com/ip6stack/ip6stack/pkg/log"
)

// configFromArgs returns the configuration handed to subcommands.Execute.
func configFromArgs(args []any) *config.Config {
	if len(args) > 0 {
		if c, ok := args[0].(*config.Config); ok {
			return c
		}
	}
	return config.Default()
}

// failure reports err on stderr and in the log.
func failure(format string, v ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, v...)
	log.Warningf("%s", msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}
