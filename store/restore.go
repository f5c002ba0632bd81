package store

import (
	"archive/tar"
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/metrics"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
)

// ArchiveSource reads the files of a mail archive, in any order. Next
// returns io.EOF after the last file. The reader is valid until the next
// call to Next or Close.
type ArchiveSource interface {
	Next() (name string, r io.Reader, err error)
	Close() error
}

// TarSource reads an archive from a tar stream.
type TarSource struct {
	tr *tar.Reader
}

func NewTarSource(r io.Reader) TarSource {
	return TarSource{tar.NewReader(r)}
}

func (s TarSource) Next() (string, io.Reader, error) {
	for {
		h, err := s.tr.Next()
		if err != nil {
			return "", nil, err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		return h.Name, s.tr, nil
	}
}

func (s TarSource) Close() error {
	return nil
}

// ZipSource reads an archive from a zip file.
type ZipSource struct {
	files []*zip.File
	open  io.ReadCloser
}

func NewZipSource(zr *zip.Reader) *ZipSource {
	return &ZipSource{files: zr.File}
}

func (s *ZipSource) Next() (string, io.Reader, error) {
	if s.open != nil {
		s.open.Close()
		s.open = nil
	}
	for len(s.files) > 0 {
		f := s.files[0]
		s.files = s.files[1:]
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", nil, err
		}
		s.open = rc
		return f.Name, rc, nil
	}
	return "", nil, io.EOF
}

func (s *ZipSource) Close() error {
	if s.open != nil {
		s.open.Close()
		s.open = nil
	}
	return nil
}

// DirSource reads an archive from a directory, as written by DirArchiver.
type DirSource struct {
	dir   string
	names []string
	open  *os.File
}

func NewDirSource(dir string) (*DirSource, error) {
	var names []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking archive dir: %w", err)
	}
	return &DirSource{dir: dir, names: names}, nil
}

func (s *DirSource) Next() (string, io.Reader, error) {
	if s.open != nil {
		s.open.Close()
		s.open = nil
	}
	if len(s.names) == 0 {
		return "", nil, io.EOF
	}
	name := s.names[0]
	s.names = s.names[1:]
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(name)))
	if err != nil {
		return "", nil, err
	}
	s.open = f
	return name, f, nil
}

func (s *DirSource) Close() error {
	if s.open != nil {
		s.open.Close()
		s.open = nil
	}
	return nil
}

// RestoreResult summarizes a restore: how many archived mails were written
// and how many were left alone.
type RestoreResult struct {
	Restored int
	Skipped  int
}

// RestoreArchive reads a mail archive and restores its mails into the org on
// behalf of the user. Recipient addresses are resolved against the current
// user records, the regular fan-out runs per mail, and the user always ends
// up with a placement for each restored mail.
//
// An existing mail with the same id is skipped unless overwrite is set, in
// which case its content and recipient metadata are replaced but placements
// and read state stay untouched. A mail id held by another org is never
// touched: the record is skipped and counted. Each mail is restored in its
// own transaction, so one bad record does not undo the rest.
func (s *Store) RestoreArchive(ctx context.Context, src ArchiveSource, userID, orgID int64, overwrite bool) (RestoreResult, error) {
	log := xlog.WithContext(ctx)
	var result RestoreResult

	var meta *ArchiveMeta
	var records []ExportMail
	seen := map[string]bool{}

	for {
		name, r, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("reading archive: %w", err)
		}
		switch {
		case name == "meta.json":
			var m ArchiveMeta
			if err := json.NewDecoder(r).Decode(&m); err != nil {
				return result, fmt.Errorf("%w: parsing meta.json: %v", ErrValidation, err)
			}
			meta = &m
		case strings.HasPrefix(name, "mails/") && strings.HasSuffix(name, ".json"):
			var rec ExportMail
			if err := json.NewDecoder(r).Decode(&rec); err != nil {
				return result, fmt.Errorf("%w: parsing %s: %v", ErrValidation, name, err)
			}
			if rec.ID == "" {
				rec.ID = strings.TrimSuffix(strings.TrimPrefix(name, "mails/"), ".json")
			}
			if seen[rec.ID] {
				return result, fmt.Errorf("%w: duplicate mail id %s in archive", ErrValidation, rec.ID)
			}
			seen[rec.ID] = true
			records = append(records, rec)
		case strings.HasPrefix(name, "attachments/"):
			relpath := strings.TrimPrefix(name, "attachments/")
			if err := s.restoreAttachmentFile(log, relpath, r); err != nil {
				return result, err
			}
		case name == "errors.txt":
			// Report of what the exporting side could not include.
		default:
			log.Info("unrecognized file in archive, skipping", mlog.Field("name", name))
		}
	}
	if err := src.Close(); err != nil {
		return result, fmt.Errorf("closing archive: %w", err)
	}

	if meta == nil {
		log.Info("archive has no meta.json, continuing")
	} else if meta.Version > archiveVersion {
		return result, fmt.Errorf("%w: archive version %d is newer than supported %d", ErrValidation, meta.Version, archiveVersion)
	}

	slices.SortFunc(records, func(a, b ExportMail) int {
		return strings.Compare(a.ID, b.ID)
	})

	for _, rec := range records {
		restored, err := s.restoreMail(ctx, log, rec, userID, orgID, overwrite)
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) {
				log.Infox("restoring mail, skipping record", err, mlog.Field("mail", rec.ID))
				metrics.RestoreInc("error")
				result.Skipped++
				continue
			}
			return result, wrapTransient(err)
		}
		if restored {
			metrics.RestoreInc("restored")
			result.Restored++
		} else {
			metrics.RestoreInc("skipped")
			result.Skipped++
		}
	}

	log.Info("restore finished", mlog.Field("restored", result.Restored), mlog.Field("skipped", result.Skipped))
	return result, nil
}

// restoreAttachmentFile writes archived attachment bytes under the store's
// attachment directory. Existing files are left alone: paths are
// content-derived and a present file wins over the archive.
func (s *Store) restoreAttachmentFile(log *mlog.Log, relpath string, r io.Reader) error {
	if relpath == "" || strings.HasPrefix(relpath, "/") || slices.Contains(strings.Split(relpath, "/"), "..") {
		return fmt.Errorf("%w: invalid attachment path %q in archive", ErrValidation, relpath)
	}
	p := s.AttachmentPath(Attachment{Path: relpath})
	if _, err := os.Stat(p); err == nil {
		log.Debug("attachment file already present, keeping", mlog.Field("path", relpath))
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat attachment file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return fmt.Errorf("creating attachment dir: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("creating attachment file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("writing attachment file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p)
		return fmt.Errorf("fsync attachment file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return fmt.Errorf("closing attachment file: %w", err)
	}
	return nil
}

// restoreMail restores one archived mail in its own transaction, reporting
// whether it wrote anything.
func (s *Store) restoreMail(ctx context.Context, log *mlog.Log, rec ExportMail, userID, orgID int64, overwrite bool) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("%w: record missing mail id", ErrValidation)
	}
	if rec.Subject == "" {
		return false, fmt.Errorf("%w: record missing subject", ErrValidation)
	}
	prio, err := checkPriority(rec.Priority)
	if err != nil {
		return false, err
	}
	switch rec.Status {
	case StatusDraft:
		if rec.SentAt != nil {
			return false, fmt.Errorf("%w: draft with sent time", ErrValidation)
		}
	case StatusSent, StatusFailed:
		if rec.SentAt == nil {
			return false, fmt.Errorf("%w: status %q without sent time", ErrValidation, rec.Status)
		}
	default:
		return false, fmt.Errorf("%w: unknown status %q", ErrValidation, rec.Status)
	}
	senderEmail, err := CheckAddress(rec.SenderEmail)
	if err != nil {
		return false, fmt.Errorf("sender address: %w", err)
	}
	var to, cc, bcc []string
	for _, r := range rec.Recipients {
		switch r.Kind {
		case RcptTo:
			to = append(to, r.Email)
		case RcptCc:
			cc = append(cc, r.Email)
		case RcptBcc:
			bcc = append(bcc, r.Email)
		default:
			return false, fmt.Errorf("%w: unknown recipient kind %q", ErrValidation, r.Kind)
		}
	}

	restored := false
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := orgUser(tx, userID, orgID); err != nil {
			return err
		}

		existing := Mail{ID: rec.ID}
		err := tx.Get(&existing)
		exists := err == nil
		if err != nil && err != bstore.ErrAbsent {
			return fmt.Errorf("checking for existing mail: %w", err)
		}
		if exists {
			if existing.OrgID != orgID {
				return fmt.Errorf("%w: mail id %s exists outside this org", ErrConflict, rec.ID)
			}
			if !overwrite {
				return nil
			}
		}

		resolved, err := resolveRecipients(tx, orgID, to, cc, bcc)
		if err != nil {
			return err
		}
		var senderID int64
		sender, err := bstore.QueryTx[User](tx).FilterNonzero(User{OrgID: orgID, Email: senderEmail}).Get()
		if err == nil {
			senderID = sender.ID
		} else if err != bstore.ErrAbsent {
			return fmt.Errorf("looking up sender: %w", err)
		}

		m := Mail{
			ID:          rec.ID,
			OrgID:       orgID,
			SenderID:    senderID,
			SenderEmail: senderEmail,
			Subject:     rec.Subject,
			TextBody:    rec.TextBody,
			HTMLBody:    rec.HTMLBody,
			Status:      rec.Status,
			FailReason:  rec.FailReason,
			Priority:    prio,
			SentAt:      rec.SentAt,
			CreatedAt:   rec.CreatedAt,
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}

		if exists {
			if err := tx.Update(&m); err != nil {
				return fmt.Errorf("updating mail: %w", err)
			}
			if _, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailID: m.ID}).Delete(); err != nil {
				return fmt.Errorf("removing old recipients: %w", err)
			}
			if _, err := bstore.QueryTx[Attachment](tx).FilterNonzero(Attachment{MailID: m.ID}).Delete(); err != nil {
				return fmt.Errorf("removing old attachment records: %w", err)
			}
		} else {
			if err := tx.Insert(&m); err != nil {
				return fmt.Errorf("inserting mail: %w", err)
			}
		}
		if err := insertRecipients(tx, m.ID, resolved); err != nil {
			return err
		}
		for _, a := range rec.Attachments {
			if a.Filename == "" || a.Path == "" {
				return fmt.Errorf("%w: attachment record missing filename or path", ErrValidation)
			}
			att := Attachment{MailID: m.ID, Filename: a.Filename, Path: a.Path, Size: a.Size, ContentType: a.ContentType}
			if err := tx.Insert(&att); err != nil {
				return fmt.Errorf("inserting attachment record: %w", err)
			}
		}

		hadPrimary, err := hasPlacement(tx, m.ID, userID, false)
		if err != nil {
			return err
		}
		hadSender, err := hasPlacement(tx, m.ID, userID, true)
		if err != nil {
			return err
		}

		if _, err := assignPlacements(tx, log, m, resolved); err != nil {
			return err
		}
		// Fan-out covers sender and local recipients. A user restoring
		// someone else's archive may be neither and still needs to see
		// the mail.
		if n, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: m.ID, UserID: userID}).Count(); err != nil {
			return fmt.Errorf("checking restored placements: %w", err)
		} else if n == 0 {
			if _, _, err := upsertPlacement(tx, log, m, userID, FolderInbox, false, false); err != nil {
				return err
			}
		}

		for _, snap := range rec.Placements {
			if snap.SenderCopy && hadSender || !snap.SenderCopy && hadPrimary {
				continue
			}
			q := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: m.ID, UserID: userID})
			q = q.FilterEqual("SenderCopy", snap.SenderCopy)
			p, err := q.Get()
			if err == bstore.ErrAbsent {
				continue
			}
			if err != nil {
				return fmt.Errorf("fetching placement for read state: %w", err)
			}
			readAt := snap.ReadAt
			if !snap.Read {
				readAt = nil
			}
			if p.Read != snap.Read || !timePtrEqual(p.ReadAt, readAt) {
				p.Read = snap.Read
				p.ReadAt = readAt
				if err := tx.Update(&p); err != nil {
					return fmt.Errorf("applying archived read state: %w", err)
				}
			}
		}

		restored = true
		return nil
	})
	return restored, err
}

func hasPlacement(tx *bstore.Tx, mailID string, userID int64, senderCopy bool) (bool, error) {
	q := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: mailID, UserID: userID})
	q = q.FilterEqual("SenderCopy", senderCopy)
	ok, err := q.Exists()
	if err != nil {
		return false, fmt.Errorf("checking placement: %w", err)
	}
	return ok, nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
