package logging

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Adapter for libraries that expect a Printf-style logger with a context, such as go-redis.
type standardLogger struct {
	logger *log.Logger
	level  log.Level
}

func (d *standardLogger) Printf(_ context.Context, format string, v ...interface{}) {
	d.logger.Logf(d.level, format, v...)
}

func New(level, format string) (*standardLogger, error) {
	var err error

	l := &standardLogger{}
	l.logger = log.New()

	f, err := formatter(format)
	if err != nil {
		return nil, err
	}
	l.logger.SetFormatter(f)

	l.level, err = log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("while setting log level: %s", err)
	}
	l.logger.SetLevel(log.GetLevel())

	return l, nil
}
