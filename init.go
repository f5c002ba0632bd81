package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mjl-/sconf"

	"github.com/moon4656/skyboot.mail2-sub003/config"
	"github.com/moon4656/skyboot.mail2-sub003/skymail-"
	"github.com/moon4656/skyboot.mail2-sub003/store"
)

func cmdInit(c *cmd) {
	c.params = "[dir]"
	c.help = `Create an annotated config file and an initialized database.

Writes skymail.conf to the directory (default the current directory), creates
the data directory next to it and initializes an empty database. Fails when a
config file already exists.

Add an org and users afterwards:

	skymail -config dir/skymail.conf org add acme acme.example
	skymail -config dir/skymail.conf user add acme bob@acme.example 'Bob'
`
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	err := os.MkdirAll(dir, 0770)
	xcheckf(err, "creating directory %s", dir)

	configPath := filepath.Join(dir, "skymail.conf")
	sc := config.Static{
		DataDir:          "data",
		LogLevel:         "info",
		DailySendLimit:   config.DefaultDailySendLimit,
		QueueMaxAttempts: config.DefaultQueueMaxAttempts,
	}
	var b bytes.Buffer
	err = sconf.WriteDocs(&b, &sc)
	xcheckf(err, "generating config")
	f, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil && os.IsExist(err) {
		log.Fatalf("config file %s already exists", configPath)
	}
	xcheckf(err, "creating config file")
	_, err = f.Write(b.Bytes())
	xcheckf(err, "writing config file")
	err = f.Close()
	xcheckf(err, "closing config file")

	skymail.ConfigPath = configPath
	skymail.MustLoadConfig()
	s, err := store.Open(context.Background(), skymail.DataDir())
	xcheckf(err, "initializing database")
	err = s.Close()
	xcheckf(err, "closing database")

	fmt.Printf("config written to %s, database initialized in %s\n", configPath, skymail.DataDir())
	fmt.Println("add an org and a user, then start with: skymail serve")
}
