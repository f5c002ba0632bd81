// Package skymail provides shared runtime state for the skymail program: the
// active configuration, paths resolved against it, connection/operation ids
// for logging, and the graceful shutdown context.
package skymail

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/moon4656/skyboot.mail2-sub003/config"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
)

var xlog = mlog.New("skymail")

// ConfigPath is the path to skymail.conf, set early in program startup.
var ConfigPath string

// Conf holds the parsed configuration. Set by LoadConfig.
var Conf struct {
	Static config.Static
}

// Shutdown is canceled when a graceful shutdown is initiated. The queue
// delivery loop and the admin listener abort pending work when it is done.
var Shutdown context.Context
var ShutdownCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}

var ErrConfig = errors.New("config error")

// LoadConfig parses the config file at ConfigPath into Conf, validates it,
// fills in defaults for absent optional fields and applies the log levels.
func LoadConfig() error {
	var c config.Static
	if err := sconf.ParseFile(ConfigPath, &c); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrConfig, ConfigPath, err)
	}
	if err := prepare(&c); err != nil {
		return err
	}
	Conf.Static = c
	applyLogLevels()
	return nil
}

// MustLoadConfig calls LoadConfig, exiting on error.
func MustLoadConfig() {
	if err := LoadConfig(); err != nil {
		xlog.Fatalx("loading config file", err, mlog.Field("path", ConfigPath))
	}
}

func prepare(c *config.Static) error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: DataDir must be set", ErrConfig)
	}
	if _, ok := mlog.Levels[c.LogLevel]; !ok {
		return fmt.Errorf("%w: unknown LogLevel %q", ErrConfig, c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if _, ok := mlog.Levels[s]; !ok {
			return fmt.Errorf("%w: unknown log level %q for package %q", ErrConfig, s, pkg)
		}
	}
	if c.DailySendLimit < 0 {
		return fmt.Errorf("%w: DailySendLimit cannot be negative", ErrConfig)
	}
	if c.DailySendLimit == 0 {
		c.DailySendLimit = config.DefaultDailySendLimit
	}
	if c.QueueMaxAttempts < 0 {
		return fmt.Errorf("%w: QueueMaxAttempts cannot be negative", ErrConfig)
	}
	if c.QueueMaxAttempts == 0 {
		c.QueueMaxAttempts = config.DefaultQueueMaxAttempts
	}
	return nil
}

func applyLogLevels() {
	levels := map[string]mlog.Level{"": mlog.Levels[Conf.Static.LogLevel]}
	for pkg, s := range Conf.Static.PackageLogLevels {
		levels[pkg] = mlog.Levels[s]
	}
	mlog.SetConfig(levels)
}

// ConfigDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the directory of the current config file.
func ConfigDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(ConfigPath), f)
}

// DataDir returns the resolved data directory.
func DataDir() string {
	return ConfigDirPath(Conf.Static.DataDir)
}

// DataDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory from the currently active
// configuration.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(DataDir(), f)
}
