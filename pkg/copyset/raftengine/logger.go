package raftengine

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// hclogger returns the logger raft writes its own messages to.
func hclogger(cfg Config, name string) hclog.Logger {
	if cfg.HCLogger != nil {
		return cfg.HCLogger.Named(name)
	}
	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "raft" + name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: true,
	})
}
