// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging hands out a single configured *logrus.Logger. It exists so
// the rest of the module never touches the logrus package-global instance
// directly.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logger writing to w (or os.Stderr if nil), with its level
// taken from the LOG_LEVEL environment variable (default "info").
func New(w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}

	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(levelFromEnv())
	return l
}

func levelFromEnv() logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Decision logs one traversal decision (enqueue, skip, filter, emit) with
// the package it concerns, the parent edge it was reached through, and the
// reason for the decision.
func Decision(l *logrus.Logger, decision, name, version, parent, reason string) {
	l.WithFields(logrus.Fields{
		"name":    name,
		"version": version,
		"parent":  parent,
		"reason":  reason,
	}).Info(decision)
}
