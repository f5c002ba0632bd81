package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/skymail-"
)

func cmdBackup(c *cmd) {
	c.params = "dst-dir"
	c.help = `Make a backup of config and data to a fresh directory.

The database is copied in a single read transaction, giving a consistent
snapshot. Attachment files are copied afterwards; their content-addressed
paths never change once written, so the copies match the snapshot. The
config file is copied next to the data.

Run while skymail is stopped; a running instance holds a lock on the
database file. Existing files in the destination are never overwritten.
`
	var verbose bool
	c.flag.BoolVar(&verbose, "verbose", false, "print each copied file")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	dstDir := args[0]

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	dstData := filepath.Join(dstDir, "data")
	err := os.MkdirAll(dstData, 0770)
	xcheckf(err, "creating destination directory")

	err = backupFile(skymail.ConfigPath, filepath.Join(dstDir, filepath.Base(skymail.ConfigPath)))
	xcheckf(err, "copying config file")

	start := time.Now()
	dbpath := filepath.Join(dstData, "store.db")
	df, err := os.OpenFile(dbpath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	xcheckf(err, "creating destination database file")
	err = s.DB.Read(ctx, func(tx *bstore.Tx) error {
		// WriteTo copies pages, no need to compact: backups are typically
		// archived with compression anyway.
		_, err := tx.WriteTo(df)
		return err
	})
	xcheckf(err, "copying database")
	err = df.Close()
	xcheckf(err, "closing destination database file")
	c.log.Print("database backed up", mlog.Field("path", dbpath), mlog.Field("duration", time.Since(start)))

	var incomplete bool
	srcAtt := filepath.Join(s.Dir(), "attachments")
	n := 0
	err = filepath.WalkDir(srcAtt, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := p[len(srcAtt)+1:]
		if verbose {
			fmt.Printf("attachments/%s\n", rel)
		}
		if err := backupFile(p, filepath.Join(dstData, "attachments", rel)); err != nil {
			incomplete = true
			c.log.Errorx("copying attachment file, continuing", err, mlog.Field("path", rel))
			return nil
		}
		n++
		return nil
	})
	xcheckf(err, "walking attachment files")
	c.log.Print("attachment files backed up", mlog.Field("files", n))

	if incomplete {
		log.Fatalf("backup incomplete")
	}
	fmt.Printf("backup written to %s\n", dstDir)
}

// backupFile copies a single file, never overwriting an existing one.
func backupFile(src, dst string) error {
	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %v", err)
	}
	defer sf.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0770); err != nil {
		return fmt.Errorf("creating destination directory: %v", err)
	}
	df, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return fmt.Errorf("creating destination file: %v", err)
	}
	if _, err := io.Copy(df, sf); err != nil {
		df.Close()
		return fmt.Errorf("copying: %v", err)
	}
	return df.Close()
}
