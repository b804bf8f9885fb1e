package vring

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
)

var logFormats = []string{"text", "json"}

// configLogger applies logging.* to l. It runs at startup and on every reload.
func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	format := strings.ToLower(c.GetString("logging.format", "text"))
	if !slices.Contains(logFormats, format) {
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, logFormats)
	}

	noTimestamp := c.GetBool("logging.disable_timestamp", false)
	tsFormat := c.GetString("logging.timestamp_format", "")
	// Text logs only print full timestamps when a format was asked for.
	fullTimestamp := tsFormat != ""
	if tsFormat == "" {
		tsFormat = time.RFC3339
	}

	l.SetLevel(level)
	if format == "json" {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: tsFormat, DisableTimestamp: noTimestamp}
	} else {
		l.Formatter = &logrus.TextFormatter{TimestampFormat: tsFormat, FullTimestamp: fullTimestamp, DisableTimestamp: noTimestamp}
	}
	return nil
}
