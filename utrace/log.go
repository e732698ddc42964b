package utrace

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(io.Discard)
}

// SetLogger replaces the package logger. By default nothing is logged.
func SetLogger(l *logrus.Logger) {
	logger = l
}
