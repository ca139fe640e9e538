package reactor

import "github.com/sirupsen/logrus"

// log is the package-wide logging sink. Every condition spec.md
// classifies as "logged" (poll errors, accept failures, write faults,
// short wakeup reads, fatal init errors) goes through it. Applications
// that already run logrus elsewhere can redirect this output with
// SetLogger.
var log = logrus.StandardLogger()

// SetLogger replaces the package's logging sink. Call it before
// Server.Start: the loops read the package variable without
// synchronization on every log call, so replacing it while they run is a
// data race.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}
