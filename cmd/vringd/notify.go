package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// States understood by systemd, see
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const (
	sdNotifyReady    = "READY=1"
	sdNotifyStopping = "STOPPING=1"
)

// notify sends state to the systemd notification socket, if there is one.
func notify(l *logrus.Logger, state string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.WithField("state", state).Debug("NOTIFY_SOCKET not set, not notifying systemd")
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}

	if _, err := conn.Write([]byte(state)); err != nil {
		l.WithError(err).WithField("state", state).Error("Failed to notify systemd")
		return
	}

	l.WithField("state", state).Debug("Notified systemd")
}
