package blelink

import "github.com/sirupsen/logrus"

// log is the package logger. Libraries should not chatter on stdout;
// the default logger only emits warnings and above until the host
// application opts in via SetLogger.
var log logrus.FieldLogger = newDefaultLogger()

func newDefaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// SetLogger replaces the package logger. Pass a logger with Debug
// level enabled to see per-sighting and per-packet radio chatter.
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		log = l
	}
}
