package store

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/mlog"
)

// Archive format version, written to meta.json. Bumped on incompatible
// changes; restore refuses newer versions.
const archiveVersion = 1

// Archiver can archive the files of a mail export.
type Archiver interface {
	Create(name string, size int64, mtime time.Time) (io.Writer, error)
	Close() error
}

// TarArchiver is an Archiver that writes to a tar file.
type TarArchiver struct {
	*tar.Writer
}

// Create adds a file header to the tar file.
func (a TarArchiver) Create(name string, size int64, mtime time.Time) (io.Writer, error) {
	hdr := tar.Header{
		Name:    name,
		Size:    size,
		Mode:    0600,
		ModTime: mtime,
		Format:  tar.FormatPAX,
	}
	if err := a.WriteHeader(&hdr); err != nil {
		return nil, err
	}
	return a, nil
}

// ZipArchiver is an Archiver that writes to a zip file.
type ZipArchiver struct {
	*zip.Writer
}

// Create adds a file header to the zip file.
func (a ZipArchiver) Create(name string, size int64, mtime time.Time) (io.Writer, error) {
	hdr := zip.FileHeader{
		Name:               name,
		Method:             zip.Deflate,
		Modified:           mtime,
		UncompressedSize64: uint64(size),
	}
	return a.CreateHeader(&hdr)
}

// DirArchiver is an Archiver that writes files to a directory.
type DirArchiver struct {
	Dir string
}

// Create creates name, slash-separated, in the directory, making parent
// directories as needed.
func (a DirArchiver) Create(name string, size int64, mtime time.Time) (io.Writer, error) {
	p := filepath.Join(a.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return nil, err
	}
	return os.Create(p)
}

// Close on a dir does nothing.
func (a DirArchiver) Close() error {
	return nil
}

// ArchiveMeta is the meta.json record of an archive.
type ArchiveMeta struct {
	Version  int
	Email    string // Exporting user.
	Org      string
	Exported time.Time
}

// ExportMail is the serialized form of one mail in an archive, stored as
// mails/<mail-id>.json. SentAt is null exactly when the stored mail had no
// sent time; restore keeps that distinction.
type ExportMail struct {
	ID          string
	SenderEmail string
	Subject     string
	TextBody    string
	HTMLBody    string
	Status      MailStatus
	FailReason  string `json:",omitempty"`
	Priority    Priority
	SentAt      *time.Time
	CreatedAt   time.Time
	Recipients  []ExportRecipient
	Attachments []ExportAttachment `json:",omitempty"`
	// The exporting user's own placements of this mail, for read state and
	// auditing. Restore re-runs fan-out and applies the read state to
	// placements it newly creates for the restoring user.
	Placements []ExportPlacement
}

// ExportRecipient is one recipient address of an exported mail. Local or
// external is not recorded: restore re-resolves against the destination org.
type ExportRecipient struct {
	Email string
	Kind  RecipientKind
}

// ExportAttachment is the metadata of one attachment. Bytes are included in
// the archive under attachments/<path> unless exporting metadata-only.
type ExportAttachment struct {
	Filename    string
	Path        string
	Size        int64
	ContentType string
}

// ExportPlacement is a snapshot of one of the exporting user's placements.
type ExportPlacement struct {
	FolderKind FolderKind
	FolderName string
	SenderCopy bool
	Read       bool
	ReadAt     *time.Time
}

// ExportArchive writes every mail reachable through the user's placements to
// the archiver: a meta.json, one JSON record per mail keyed by mail id, and
// the attachment bytes unless metaOnly is set.
//
// Missing attachment files are not fatal: they are skipped and described in
// an errors.txt in the archive, so an export yields as much as possible.
func (s *Store) ExportArchive(ctx context.Context, a Archiver, userID, orgID int64, metaOnly bool) error {
	log := xlog.WithContext(ctx)
	start := time.Now()

	var meta ArchiveMeta
	var records []ExportMail
	type attFile struct {
		att   Attachment
		mtime time.Time
	}
	var attFiles []attFile

	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		records = nil
		attFiles = nil

		u, err := orgUser(tx, userID, orgID)
		if err != nil {
			return err
		}
		o := Org{ID: orgID}
		if err := tx.Get(&o); err != nil {
			return fmt.Errorf("fetching org: %w", err)
		}
		meta = ArchiveMeta{Version: archiveVersion, Email: u.Email, Org: o.Name, Exported: start}

		placements, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{UserID: userID}).List()
		if err != nil {
			return fmt.Errorf("listing placements: %w", err)
		}
		folders := map[string]Folder{}
		byMail := map[string][]Placement{}
		for _, p := range placements {
			byMail[p.MailID] = append(byMail[p.MailID], p)
			if _, ok := folders[p.FolderID]; !ok {
				f := Folder{ID: p.FolderID}
				if err := tx.Get(&f); err != nil {
					return fmt.Errorf("fetching folder: %w", err)
				}
				folders[p.FolderID] = f
			}
		}

		seenAtt := map[string]bool{}
		for mailID, pl := range byMail {
			m := Mail{ID: mailID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("fetching mail %s: %w", mailID, err)
			}
			rec := ExportMail{
				ID:          m.ID,
				SenderEmail: m.SenderEmail,
				Subject:     m.Subject,
				TextBody:    m.TextBody,
				HTMLBody:    m.HTMLBody,
				Status:      m.Status,
				FailReason:  m.FailReason,
				Priority:    m.Priority,
				SentAt:      m.SentAt,
				CreatedAt:   m.CreatedAt,
			}
			rcpts, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailID: mailID}).SortAsc("ID").List()
			if err != nil {
				return fmt.Errorf("listing recipients: %w", err)
			}
			for _, r := range rcpts {
				if r.Kind == RcptBcc && userID != m.SenderID && r.UserID != userID {
					continue
				}
				rec.Recipients = append(rec.Recipients, ExportRecipient{Email: r.Email, Kind: r.Kind})
			}
			atts, err := bstore.QueryTx[Attachment](tx).FilterNonzero(Attachment{MailID: mailID}).SortAsc("ID").List()
			if err != nil {
				return fmt.Errorf("listing attachments: %w", err)
			}
			for _, att := range atts {
				rec.Attachments = append(rec.Attachments, ExportAttachment{Filename: att.Filename, Path: att.Path, Size: att.Size, ContentType: att.ContentType})
				if !metaOnly && !seenAtt[att.Path] {
					seenAtt[att.Path] = true
					attFiles = append(attFiles, attFile{att, m.CreatedAt})
				}
			}
			for _, p := range pl {
				f := folders[p.FolderID]
				rec.Placements = append(rec.Placements, ExportPlacement{
					FolderKind: f.Kind,
					FolderName: f.Name,
					SenderCopy: p.SenderCopy,
					Read:       p.Read,
					ReadAt:     p.ReadAt,
				})
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return wrapTransient(err)
	}

	slices.SortFunc(records, func(a, b ExportMail) int {
		return strings.Compare(a.ID, b.ID)
	})

	write := func(name string, buf []byte, mtime time.Time) error {
		w, err := a.Create(name, int64(len(buf)), mtime)
		if err != nil {
			return fmt.Errorf("adding %s to archive: %w", name, err)
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return nil
	}

	buf, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := write("meta.json", buf, start); err != nil {
		return err
	}

	for _, rec := range records {
		buf, err := json.MarshalIndent(rec, "", "\t")
		if err != nil {
			return fmt.Errorf("marshal mail %s: %w", rec.ID, err)
		}
		if err := write("mails/"+rec.ID+".json", buf, rec.CreatedAt); err != nil {
			return err
		}
	}

	var errorsBuf bytes.Buffer
	for _, af := range attFiles {
		p := s.AttachmentPath(af.att)
		f, err := os.Open(p)
		if err != nil {
			log.Infox("opening attachment file, skipping", err, mlog.Field("path", p))
			fmt.Fprintf(&errorsBuf, "attachment %s (mail %s): %v\n", af.att.Path, af.att.MailID, err)
			continue
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			fmt.Fprintf(&errorsBuf, "attachment %s (mail %s): stat: %v\n", af.att.Path, af.att.MailID, err)
			continue
		}
		w, err := a.Create("attachments/"+af.att.Path, st.Size(), af.mtime)
		if err != nil {
			f.Close()
			return fmt.Errorf("adding attachment to archive: %w", err)
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return fmt.Errorf("copying attachment %s: %w", af.att.Path, err)
		}
		f.Close()
	}

	if errorsBuf.Len() > 0 {
		if err := write("errors.txt", errorsBuf.Bytes(), time.Now()); err != nil {
			return err
		}
	}

	log.Info("export finished", mlog.Field("mails", len(records)), mlog.Field("attachments", len(attFiles)), mlog.Field("duration", time.Since(start)))
	return nil
}
