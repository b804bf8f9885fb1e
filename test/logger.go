// Package test holds helpers shared by the tests of every vring package.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that stays silent unless TEST_LOGS is set. 2
// enables debug and 3 trace output.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(levelFromEnv())
	if os.Getenv("TEST_LOGS") == "" {
		l.SetOutput(io.Discard)
	}
	return l
}

// NewRecordingLogger is NewLogger with a hook that keeps every entry, so a
// test can check what was logged.
func NewRecordingLogger() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	return l, logtest.NewLocal(l)
}

func levelFromEnv() logrus.Level {
	switch os.Getenv("TEST_LOGS") {
	case "2":
		return logrus.DebugLevel
	case "3":
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}
