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

// Package logger builds the zerolog.Logger every daemon entrypoint starts
// from (WithLevel, WithWriter, Mode, New), the ambient-logging idiom the
// rest of this tree's runtime and main.go call sites assume.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Mode selects zerolog's output encoding.
type Mode string

const (
	// ModeJSON writes structured JSON lines.
	ModeJSON Mode = "json"
	// ModeConsole writes zerolog's human-readable console format, easier
	// to read during development.
	ModeConsole Mode = "console"
)

type options struct {
	level  string
	writer io.Writer
	mode   Mode
}

// Option configures New.
type Option func(*options)

// WithLevel sets the minimum logged level by name (e.g. "debug", "info").
// An unrecognized name falls back to zerolog.InfoLevel.
func WithLevel(level string) Option {
	return func(o *options) { o.level = level }
}

// WithWriter sets the output writer and encoding mode.
func WithWriter(w io.Writer, mode Mode) Option {
	return func(o *options) { o.writer, o.mode = w, mode }
}

// New builds a zerolog.Logger from opts, defaulting to info level, stderr,
// and console mode when unset.
func New(opts ...Option) zerolog.Logger {
	o := options{level: zerolog.InfoLevel.String(), writer: os.Stderr, mode: ModeConsole}
	for _, apply := range opts {
		apply(&o)
	}

	level, err := zerolog.ParseLevel(o.level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	w := o.writer
	if o.mode == ModeConsole {
		w = zerolog.ConsoleWriter{Out: o.writer, TimeFormat: "15:04:05"}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
