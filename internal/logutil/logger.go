// Copyright (C) 2014 The Meshstore Authors.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.

// Package logutil implements the small leveled-logger idiom used throughout
// this module: a package-level debug flag sourced from an environment
// variable, and a shared DefaultLogger for Debugln/Infoln/Warnln-style
// calls gated on that flag.
package logutil

import (
	"fmt"
	"log"
	"os"
)

// Logger is a minimal leveled logger. Debug output is expected to be gated
// by callers on their own package-level debug flag; Info and Warn are
// always emitted.
type Logger struct {
	std *log.Logger
}

var DefaultLogger = &Logger{std: log.New(os.Stderr, "", log.LstdFlags)}

func (l *Logger) Debugln(vals ...interface{}) {
	l.std.Output(2, "DEBUG: "+fmt.Sprintln(vals...))
}

func (l *Logger) Debugf(format string, vals ...interface{}) {
	l.std.Output(2, "DEBUG: "+fmt.Sprintf(format, vals...))
}

func (l *Logger) Infoln(vals ...interface{}) {
	l.std.Output(2, "INFO: "+fmt.Sprintln(vals...))
}

func (l *Logger) Infof(format string, vals ...interface{}) {
	l.std.Output(2, "INFO: "+fmt.Sprintf(format, vals...))
}

func (l *Logger) Warnln(vals ...interface{}) {
	l.std.Output(2, "WARNING: "+fmt.Sprintln(vals...))
}

func (l *Logger) Warnf(format string, vals ...interface{}) {
	l.std.Output(2, "WARNING: "+fmt.Sprintf(format, vals...))
}

// EnvDebug reports whether MESHTRACE enables debug logging for the named
// facility, following the "all" escape hatch the rest of this module's
// debug flags use.
func EnvDebug(facility string) bool {
	v := os.Getenv("MESHTRACE")
	if v == "all" {
		return true
	}
	for _, f := range splitComma(v) {
		if f == facility {
			return true
		}
	}
	return false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
