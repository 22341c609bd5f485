package config

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging applies the configured format and level to the global logger
func (c *Config) ConfigureLogging() {
	if c.LogFormat == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	log.SetOutput(os.Stderr)

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
