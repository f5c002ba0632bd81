package main

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/moon4656/skyboot.mail2-sub003/store"
)

func cmdExport(c *cmd) {
	c.params = "org email dst"
	c.help = `Export all mail of a user to an archive.

The archive holds a meta.json, one JSON record per mail keyed by mail id with
recipients, the user's read state and attachment metadata, and the attachment
files unless -meta-only is set. A mail is included when the user has any
placement of it, including trash. Null sent times survive a round-trip
through export and import unchanged.

Export bypasses a running skymail instance: it opens the database directly,
which blocks while an instance has it open.
`
	var format string
	var metaOnly bool
	c.flag.StringVar(&format, "format", "", "archive format: dir, tar, tgz or zip; derived from the dst extension when empty")
	c.flag.BoolVar(&metaOnly, "meta-only", false, "metadata only, no attachment file contents")
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	dst := args[2]
	if format == "" {
		format = archiveFormat(dst)
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])

	var a store.Archiver
	var f *os.File
	switch format {
	case "dir":
		err := os.MkdirAll(dst, 0770)
		xcheckf(err, "creating destination directory")
		a = store.DirArchiver{Dir: dst}
	case "tar", "tgz", "zip":
		var err error
		f, err = os.Create(dst)
		xcheckf(err, "creating archive file")
		switch format {
		case "tar":
			a = store.TarArchiver{Writer: tar.NewWriter(f)}
		case "tgz":
			gzw := gzip.NewWriter(f)
			a = tgzArchiver{store.TarArchiver{Writer: tar.NewWriter(gzw)}, gzw}
		case "zip":
			a = store.ZipArchiver{Writer: zip.NewWriter(f)}
		}
	default:
		log.Fatalf("unknown format %q", format)
	}

	err := s.ExportArchive(ctx, a, u.ID, o.ID, metaOnly)
	xcheckf(err, "exporting mail")
	err = a.Close()
	xcheckf(err, "closing archive")
	if f != nil {
		err = f.Close()
		xcheckf(err, "closing archive file")
	}
	fmt.Printf("exported to %s\n", dst)
}

func archiveFormat(path string) string {
	switch {
	case strings.HasSuffix(path, ".tar"):
		return "tar"
	case strings.HasSuffix(path, ".tgz"), strings.HasSuffix(path, ".tar.gz"):
		return "tgz"
	case strings.HasSuffix(path, ".zip"):
		return "zip"
	}
	return "dir"
}

// tgzArchiver closes the gzip stream after the tar stream.
type tgzArchiver struct {
	store.TarArchiver
	gz *gzip.Writer
}

func (a tgzArchiver) Close() error {
	if err := a.TarArchiver.Close(); err != nil {
		return err
	}
	return a.gz.Close()
}
