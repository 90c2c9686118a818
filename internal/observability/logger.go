package observability

import (
	"os"

	"github.com/sirupsen/logrus"
)

func NewLogger(environment string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	if environment == "development" {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
