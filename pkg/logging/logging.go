package logging

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

func TextFormatter() log.Formatter {
	return &log.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
	}
}

func JsonFormatter() log.Formatter {
	return &log.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	}
}

func formatter(format string) (log.Formatter, error) {
	switch format {
	case "json":
		return JsonFormatter(), nil
	case "text":
		return TextFormatter(), nil
	default:
		return nil, fmt.Errorf("log format '%s' is not recognized", format)
	}
}

func Setup(level, format string) error {
	f, err := formatter(format)
	if err != nil {
		return err
	}
	log.SetFormatter(f)

	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("while setting log level: %s", err)
	}
	log.SetLevel(logLevel)

	return nil
}
