package main

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"log"
	"os"

	"github.com/moon4656/skyboot.mail2-sub003/store"
)

func cmdImport(c *cmd) {
	c.params = "org email src"
	c.help = `Restore mails from an archive into an org on behalf of a user.

Recipient addresses are resolved against the current users of the org and
the regular fan-out runs for each mail, so recipients that exist locally get
their folder placements again. The restoring user always ends up with a
placement for each restored mail.

A mail id that already exists is skipped unless -overwrite is set; an id held
by another org is never touched. Records that conflict are reported and
skipped, the rest of the archive is still restored.
`
	var format string
	var overwrite bool
	c.flag.StringVar(&format, "format", "", "archive format: dir, tar, tgz or zip; derived from src when empty")
	c.flag.BoolVar(&overwrite, "overwrite", false, "replace mail content and recipient metadata of existing mail ids in this org")
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	path := args[2]
	if format == "" {
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			format = "dir"
		} else {
			format = archiveFormat(path)
		}
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])

	var src store.ArchiveSource
	switch format {
	case "dir":
		var err error
		src, err = store.NewDirSource(path)
		xcheckf(err, "opening archive directory")
	case "tar":
		f, err := os.Open(path)
		xcheckf(err, "opening archive file")
		defer f.Close()
		src = store.NewTarSource(f)
	case "tgz":
		f, err := os.Open(path)
		xcheckf(err, "opening archive file")
		defer f.Close()
		gzr, err := gzip.NewReader(f)
		xcheckf(err, "reading gzip header")
		src = store.NewTarSource(gzr)
	case "zip":
		zr, err := zip.OpenReader(path)
		xcheckf(err, "opening zip file")
		defer zr.Close()
		src = store.NewZipSource(&zr.Reader)
	default:
		log.Fatalf("unknown format %q", format)
	}

	res, err := s.RestoreArchive(ctx, src, u.ID, o.ID, overwrite)
	xcheckf(err, "restoring archive")
	fmt.Printf("%d mails restored, %d skipped\n", res.Restored, res.Skipped)
}
