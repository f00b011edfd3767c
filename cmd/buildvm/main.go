/*
Copyright 2024 Alexandre Mahdhaoui

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

package main

import (
	"errors"
	"log/slog"

	"github.com/alexandremahdhaoui/buildvm/internal/util/gracefulshutdown"
)

const (
	Name = "buildvm"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	gs := gracefulshutdown.New(Name)

	if err := newApp(gs).rootCmd().Execute(); err != nil {
		gs.Shutdown(exitCode(err))
	}

	gs.Shutdown(0)
}

// exitCode logs err unless it is a negative answer to a yes/no command.
func exitCode(err error) int {
	if errors.Is(err, errFalse) {
		return 1
	}

	slog.Error("command failed", "error", err.Error())

	return 1
}
