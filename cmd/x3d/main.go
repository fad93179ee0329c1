// Copyright 2018-2019 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Command x3d is the authentication and identity core daemon: SASL
// verification, credential caches, session tokens and the IdP
// cache-invalidation webhook, fronted by an external IRCd's line-protocol
// layer over the component graph internal/runtime builds.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/opencloud-eu/x3d/cmd/x3d/grace"
	"github.com/opencloud-eu/x3d/cmd/x3d/config"
	"github.com/opencloud-eu/x3d/internal/runtime"
)

var (
	versionFlag = flag.Bool("version", false, "show version and exit")
	signalFlag  = flag.String("s", "", "send signal to a running daemon: stop, quit, reload")
	configFlag  = flag.String("c", "/etc/x3d/x3d.toml", "set configuration file")
	pidFlag     = flag.String("p", "", "pid file; defaults to a random file under the OS temp dir")

	gitCommit, buildDate, version, goVersion string
)

func main() {
	flag.Parse()

	handleVersionFlag()
	handleSignalFlag()

	raw := handleConfigFlagOrDie()
	cfg, err := runtime.Decode(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error decoding configuration: %s\n", err)
		os.Exit(1)
	}

	if err := runtime.Run(cfg, *pidFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error running daemon: %s\n", err)
		os.Exit(1)
	}
}

func handleVersionFlag() {
	if *versionFlag {
		fmt.Fprintf(os.Stderr, "version=%s commit=%s go_version=%s build_date=%s\n",
			version, gitCommit, goVersion, buildDate)
		os.Exit(0)
	}
}

// handleSignalFlag sends signal to the daemon named by -p and exits.
func handleSignalFlag() {
	if *signalFlag == "" {
		return
	}
	if *pidFlag == "" {
		fmt.Fprintf(os.Stderr, "-s flag set but -p (pidfile) is empty\n")
		os.Exit(1)
	}

	var sig os.Signal
	switch *signalFlag {
	case "reload":
		sig = syscall.SIGHUP
	case "quit":
		sig = syscall.SIGQUIT
	case "stop":
		sig = syscall.SIGTERM
	default:
		fmt.Fprintf(os.Stderr, "unknown signal %q\n", *signalFlag)
		os.Exit(1)
	}

	process, err := grace.GetProcessFromFile(*pidFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error getting process from pidfile: %s\n", err)
		os.Exit(1)
	}
	if err := process.Signal(sig); err != nil {
		fmt.Fprintf(os.Stderr, "error signaling process %d: %s\n", process.Pid, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func handleConfigFlagOrDie() map[string]interface{} {
	v, err := config.ReadFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config %q: %s\n", *configFlag, err)
		os.Exit(1)
	}
	return v
}
