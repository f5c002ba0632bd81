// Package config holds the configuration file structure for skymail.
//
// The file is in sconf format, see https://pkg.go.dev/github.com/mjl-/sconf.
// An annotated example file is written by "skymail init" and printed by
// "skymail config describe".
package config

// Static is the configuration for a skymail instance, parsed from
// skymail.conf. It does not change during the lifetime of a running instance.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored: the mail database and attachment files. If this is a relative path, it is relative to the directory of skymail.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug. Debug logs the individual placement writes of each fan-out."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, queue)."`
	DailySendLimit   int64             `sconf:"optional" sconf-doc:"Maximum number of mails each organization can send per UTC day. Organizations can carry an individual override. 0 uses the built-in default of 1000."`
	QueueMaxAttempts int               `sconf:"optional" sconf-doc:"Delivery attempts for each external recipient before the mail is marked as failed. 0 uses the built-in default of 8."`
	AdminListener    string            `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on during skymail serve, e.g. localhost:8011. Disabled when empty."`
}

// Defaults applied by LoadConfig for zero values in optional fields.
const (
	DefaultDailySendLimit   = 1000
	DefaultQueueMaxAttempts = 8
)
