// Package logging sets up the structured logger shared by every broker
// component. Per-unit-of-work fields (conn id, peer) are attached with
// WithFields at the call site.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a configured *logrus.Logger. level is parsed with
// logrus.ParseLevel; an unrecognised level falls back to Info. json
// selects the JSON formatter (for shipping to a log aggregator) over the
// default human-readable text formatter.
func New(level string, json bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if json {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
