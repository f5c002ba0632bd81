package store

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moon4656/skyboot.mail2-sub003/queue"
)

// texport sets up an org with three mails for alice: a sent mail to bob with
// an attachment, a draft, and an external-only mail. Returns the archive
// directory written for alice.
func texport(t *testing.T, s *Store) (Org, User, Attachment, []string, string) {
	t.Helper()
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	tuser(t, s, o, "bob")

	att, err := s.SaveAttachment(strings.NewReader("archive me"), "keep.txt")
	tcheck(t, err, "save attachment")

	res1, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: "with attachment", Attachments: []Attachment{att}})
	tcheck(t, err, "submit")
	res2, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: "unfinished", Draft: true})
	tcheck(t, err, "submit draft")
	res3, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"x@elsewhere.example"}, Subject: "external only"})
	tcheck(t, err, "submit")

	dir := filepath.Join(t.TempDir(), "archive")
	err = s.ExportArchive(ctxbg, DirArchiver{Dir: dir}, alice.ID, o.ID, false)
	tcheck(t, err, "export")
	return o, alice, att, []string{res1.MailID, res2.MailID, res3.MailID}, dir
}

func TestExportArchive(t *testing.T) {
	s := newTestStore(t)
	_, _, att, ids, dir := texport(t, s)

	var meta ArchiveMeta
	buf, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	tcheck(t, err, "read meta.json")
	err = json.Unmarshal(buf, &meta)
	tcheck(t, err, "parse meta.json")
	tcompare(t, meta.Version, archiveVersion)
	tcompare(t, meta.Email, "alice@gray.example")
	tcompare(t, meta.Org, "gray")

	// One record per mail the exporting user has a placement of.
	entries, err := os.ReadDir(filepath.Join(dir, "mails"))
	tcheck(t, err, "read mails dir")
	if len(entries) != 3 {
		t.Fatalf("got %d mail records, expected 3", len(entries))
	}

	var sent, draft ExportMail
	buf, err = os.ReadFile(filepath.Join(dir, "mails", ids[0]+".json"))
	tcheck(t, err, "read mail record")
	err = json.Unmarshal(buf, &sent)
	tcheck(t, err, "parse mail record")
	tcompare(t, sent.Subject, "with attachment")
	tcompare(t, sent.Status, StatusSent)
	if sent.SentAt == nil {
		t.Fatalf("sent mail exported without sent time")
	}
	tcompare(t, len(sent.Recipients), 1)
	tcompare(t, len(sent.Attachments), 1)
	tcompare(t, sent.Attachments[0].Path, att.Path)
	// Only the exporting user's placements, here the read sender copy.
	tcompare(t, len(sent.Placements), 1)
	tcompare(t, sent.Placements[0].SenderCopy, true)
	tcompare(t, sent.Placements[0].FolderKind, FolderSent)
	tcompare(t, sent.Placements[0].Read, true)

	// A draft round-trips with a JSON null sent time.
	buf, err = os.ReadFile(filepath.Join(dir, "mails", ids[1]+".json"))
	tcheck(t, err, "read draft record")
	if !bytes.Contains(buf, []byte(`"SentAt": null`)) {
		t.Fatalf("draft record has no null SentAt:\n%s", buf)
	}
	err = json.Unmarshal(buf, &draft)
	tcheck(t, err, "parse draft record")
	tcompare(t, draft.Status, StatusDraft)
	if draft.SentAt != nil {
		t.Fatalf("draft exported with sent time")
	}
	tcompare(t, draft.Placements[0].FolderKind, FolderDraft)

	// Attachment bytes are in the archive.
	buf, err = os.ReadFile(filepath.Join(dir, "attachments", filepath.FromSlash(att.Path)))
	tcheck(t, err, "read archived attachment")
	tcompare(t, string(buf), "archive me")
}

func TestExportMetaOnly(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	att, err := s.SaveAttachment(strings.NewReader("bytes"), "a.bin")
	tcheck(t, err, "save attachment")
	_, err = s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"x@elsewhere.example"}, Subject: "s", Attachments: []Attachment{att}})
	tcheck(t, err, "submit")

	dir := filepath.Join(t.TempDir(), "archive")
	err = s.ExportArchive(ctxbg, DirArchiver{Dir: dir}, alice.ID, o.ID, true)
	tcheck(t, err, "export meta-only")

	if _, err := os.Stat(filepath.Join(dir, "attachments")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("meta-only archive has attachment bytes: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "mails"))
	tcheck(t, err, "read mails dir")
	tcompare(t, len(entries), 1)
}

func TestRestoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	o, alice, att, ids, dir := texport(t, s)

	// Everything in the archive still exists: nothing to restore.
	src, err := NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	res, err := s.RestoreArchive(ctxbg, src, alice.ID, o.ID, false)
	tcheck(t, err, "restore")
	tcompare(t, res, RestoreResult{Restored: 0, Skipped: 3})

	// Permanently delete the external-only mail, then restore it from the
	// archive.
	orig, _, err := s.UserMail(ctxbg, alice.ID, o.ID, ids[2])
	tcheck(t, err, "fetch mail")
	err = s.Trash(ctxbg, alice.ID, o.ID, ids[2])
	tcheck(t, err, "trash")
	err = s.PermanentDelete(ctxbg, alice.ID, o.ID, ids[2])
	tcheck(t, err, "delete")

	src, err = NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	res, err = s.RestoreArchive(ctxbg, src, alice.ID, o.ID, false)
	tcheck(t, err, "restore")
	tcompare(t, res, RestoreResult{Restored: 1, Skipped: 2})

	m, p, err := s.UserMail(ctxbg, alice.ID, o.ID, ids[2])
	tcheck(t, err, "fetch restored mail")
	tcompare(t, m.Status, StatusSent)
	tcompare(t, m.Subject, "external only")
	tcompare(t, m.SenderID, alice.ID)
	if m.SentAt == nil || !m.SentAt.Equal(*orig.SentAt) {
		t.Fatalf("restored sent time %v, expected %v", m.SentAt, orig.SentAt)
	}
	// The sender address resolved back to alice: fan-out recreated her sender
	// copy, with the archived read state.
	tcompare(t, p.SenderCopy, true)
	tcompare(t, p.Read, true)
	sent := tsysfolder(t, s, alice, FolderSent)
	tcompare(t, p.FolderID, sent.ID)

	// The delete removed the mail's relay row and restore does not queue.
	n, err := queue.Count(ctxbg, s.DB)
	tcheck(t, err, "queue count")
	tcompare(t, n, 0)

	// A lost attachment file is recovered from the archive bytes.
	err = os.Remove(s.AttachmentPath(att))
	tcheck(t, err, "remove attachment file")
	src, err = NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	_, err = s.RestoreArchive(ctxbg, src, alice.ID, o.ID, false)
	tcheck(t, err, "restore")
	buf, err := os.ReadFile(s.AttachmentPath(att))
	tcheck(t, err, "read recovered attachment file")
	tcompare(t, string(buf), "archive me")
}

func TestRestoreOverwrite(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	res, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"x@elsewhere.example"}, Subject: "original"})
	tcheck(t, err, "submit")

	dir := filepath.Join(t.TempDir(), "archive")
	err = s.ExportArchive(ctxbg, DirArchiver{Dir: dir}, alice.ID, o.ID, false)
	tcheck(t, err, "export")

	// Tamper with the archived record, as a stand-in for an older backup.
	recPath := filepath.Join(dir, "mails", res.MailID+".json")
	buf, err := os.ReadFile(recPath)
	tcheck(t, err, "read record")
	var rec ExportMail
	err = json.Unmarshal(buf, &rec)
	tcheck(t, err, "parse record")
	rec.Subject = "patched"
	rec.Recipients = []ExportRecipient{{Email: "y@elsewhere.example", Kind: RcptTo}}
	buf, err = json.Marshal(rec)
	tcheck(t, err, "marshal record")
	err = os.WriteFile(recPath, buf, 0660)
	tcheck(t, err, "write record")

	// Move the placement and clear the read flag, to see both survive the
	// overwrite.
	archive, err := s.AddFolder(ctxbg, alice.ID, o.ID, "Archive")
	tcheck(t, err, "add folder")
	err = s.Move(ctxbg, alice.ID, o.ID, res.MailID, archive.ID)
	tcheck(t, err, "move")
	err = s.MarkUnread(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "mark unread")

	// Without overwrite the existing mail wins.
	src, err := NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	rres, err := s.RestoreArchive(ctxbg, src, alice.ID, o.ID, false)
	tcheck(t, err, "restore")
	tcompare(t, rres, RestoreResult{Restored: 0, Skipped: 1})
	m, _, err := s.UserMail(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "fetch mail")
	tcompare(t, m.Subject, "original")

	// With overwrite the content and recipients are replaced, placements and
	// read state stay.
	src, err = NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	rres, err = s.RestoreArchive(ctxbg, src, alice.ID, o.ID, true)
	tcheck(t, err, "restore with overwrite")
	tcompare(t, rres, RestoreResult{Restored: 1, Skipped: 0})

	m, p, err := s.UserMail(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "fetch mail")
	tcompare(t, m.Subject, "patched")
	tcompare(t, p.FolderID, archive.ID)
	tcompare(t, p.Read, false)
	rl, err := s.MailRecipients(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "recipients")
	tcompare(t, len(rl), 1)
	tcompare(t, rl[0].Email, "y@elsewhere.example")
}

func TestRestoreCrossOrg(t *testing.T) {
	s := newTestStore(t)
	o, _, _, ids, dir := texport(t, s)
	indigo := torg(t, s, "indigo")
	carol := tuser(t, s, indigo, "carol")

	// Mail ids held by another org are never touched.
	src, err := NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	res, err := s.RestoreArchive(ctxbg, src, carol.ID, indigo.ID, true)
	tcheck(t, err, "restore")
	tcompare(t, res, RestoreResult{Restored: 0, Skipped: 3})

	_, _, err = s.UserMail(ctxbg, carol.ID, indigo.ID, ids[0])
	terr(t, err, ErrNotFound, "cross-org restore created placement")
	m := Mail{ID: ids[0]}
	err = s.DB.Get(ctxbg, &m)
	tcheck(t, err, "fetch mail directly")
	tcompare(t, m.OrgID, o.ID)
	tcompare(t, m.Subject, "with attachment")
}

func TestRestoreIntoEmptyStore(t *testing.T) {
	s := newTestStore(t)
	_, _, att, ids, dir := texport(t, s)

	s2 := newTestStore(t)
	acme := torg(t, s2, "acme")
	dave := tuser(t, s2, acme, "dave")

	src, err := NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	res, err := s2.RestoreArchive(ctxbg, src, dave.ID, acme.ID, false)
	tcheck(t, err, "restore")
	tcompare(t, res, RestoreResult{Restored: 3, Skipped: 0})

	// Dave is neither sender nor recipient of the archived mails. He still
	// gets a placement for each, in his inbox.
	inbox := tsysfolder(t, s2, dave, FolderInbox)
	l, err := s2.FolderMails(ctxbg, dave.ID, acme.ID, inbox.ID)
	tcheck(t, err, "listing inbox")
	tcompare(t, len(l), 3)

	// The draft keeps its null sent time exactly.
	m, _, err := s2.UserMail(ctxbg, dave.ID, acme.ID, ids[1])
	tcheck(t, err, "fetch restored draft")
	tcompare(t, m.Status, StatusDraft)
	if m.SentAt != nil {
		t.Fatalf("restored draft has sent time %v", m.SentAt)
	}
	// The original sender is not a user here: kept by address only.
	tcompare(t, m.SenderID, int64(0))
	tcompare(t, m.SenderEmail, "alice@gray.example")

	// Attachment bytes came along.
	buf, err := os.ReadFile(s2.AttachmentPath(att))
	tcheck(t, err, "read restored attachment file")
	tcompare(t, string(buf), "archive me")

	// Nothing was queued and nothing counted against the send limit.
	n, err := queue.Count(ctxbg, s2.DB)
	tcheck(t, err, "queue count")
	tcompare(t, n, 0)
	sends, err := s2.SendsToday(ctxbg, acme.ID)
	tcheck(t, err, "sends today")
	tcompare(t, sends, int64(0))
}

func TestRestoreRejects(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")

	// An archive from a newer release is refused.
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "meta.json"), []byte(`{"Version": 99}`), 0660)
	tcheck(t, err, "write meta.json")
	src, err := NewDirSource(dir)
	tcheck(t, err, "open archive dir")
	_, err = s.RestoreArchive(ctxbg, src, alice.ID, o.ID, false)
	terr(t, err, ErrValidation, "restore newer archive version")

	// Duplicate mail ids in one archive are refused.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"mails/a.json", "mails/b.json"} {
		rec := []byte(`{"ID": "20240101_000000_000000000000", "Subject": "s", "Status": "draft", "Priority": "normal", "SenderEmail": "alice@gray.example"}`)
		err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(rec)), Mode: 0600})
		tcheck(t, err, "write tar header")
		_, err = tw.Write(rec)
		tcheck(t, err, "write tar record")
	}
	err = tw.Close()
	tcheck(t, err, "close tar")
	_, err = s.RestoreArchive(ctxbg, NewTarSource(&buf), alice.ID, o.ID, false)
	terr(t, err, ErrValidation, "duplicate mail id")

	// Attachment paths cannot escape the attachments directory.
	buf.Reset()
	tw = tar.NewWriter(&buf)
	evil := []byte("evil")
	err = tw.WriteHeader(&tar.Header{Name: "attachments/../../evil", Size: int64(len(evil)), Mode: 0600})
	tcheck(t, err, "write tar header")
	_, err = tw.Write(evil)
	tcheck(t, err, "write tar payload")
	err = tw.Close()
	tcheck(t, err, "close tar")
	_, err = s.RestoreArchive(ctxbg, NewTarSource(&buf), alice.ID, o.ID, false)
	terr(t, err, ErrValidation, "attachment path traversal")

	// Records with broken invariants are skipped, not fatal.
	buf.Reset()
	tw = tar.NewWriter(&buf)
	rec := []byte(`{"ID": "20240101_000000_000000000001", "Subject": "s", "Status": "draft", "Priority": "normal", "SenderEmail": "alice@gray.example", "SentAt": "2024-01-01T00:00:00Z"}`)
	err = tw.WriteHeader(&tar.Header{Name: "mails/x.json", Size: int64(len(rec)), Mode: 0600})
	tcheck(t, err, "write tar header")
	_, err = tw.Write(rec)
	tcheck(t, err, "write tar record")
	err = tw.Close()
	tcheck(t, err, "close tar")
	res, err := s.RestoreArchive(ctxbg, NewTarSource(&buf), alice.ID, o.ID, false)
	tcheck(t, err, "restore archive with bad record")
	tcompare(t, res, RestoreResult{Restored: 0, Skipped: 1})
}

func TestArchiveTarZip(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	att, err := s.SaveAttachment(strings.NewReader("tarred"), "t.txt")
	tcheck(t, err, "save attachment")
	_, err = s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"x@elsewhere.example"}, Subject: "s", Attachments: []Attachment{att}})
	tcheck(t, err, "submit")

	var tbuf bytes.Buffer
	tw := tar.NewWriter(&tbuf)
	err = s.ExportArchive(ctxbg, TarArchiver{tw}, alice.ID, o.ID, false)
	tcheck(t, err, "export tar")
	err = tw.Close()
	tcheck(t, err, "close tar")

	s2 := newTestStore(t)
	o2 := torg(t, s2, "acme")
	u2 := tuser(t, s2, o2, "dave")
	res, err := s2.RestoreArchive(ctxbg, NewTarSource(&tbuf), u2.ID, o2.ID, false)
	tcheck(t, err, "restore tar")
	tcompare(t, res, RestoreResult{Restored: 1, Skipped: 0})
	buf, err := os.ReadFile(s2.AttachmentPath(att))
	tcheck(t, err, "read restored attachment")
	tcompare(t, string(buf), "tarred")

	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	err = s.ExportArchive(ctxbg, ZipArchiver{zw}, alice.ID, o.ID, false)
	tcheck(t, err, "export zip")
	err = zw.Close()
	tcheck(t, err, "close zip")

	s3 := newTestStore(t)
	o3 := torg(t, s3, "initech")
	u3 := tuser(t, s3, o3, "erin")
	zr, err := zip.NewReader(bytes.NewReader(zbuf.Bytes()), int64(zbuf.Len()))
	tcheck(t, err, "open zip")
	res, err = s3.RestoreArchive(ctxbg, NewZipSource(zr), u3.ID, o3.ID, false)
	tcheck(t, err, "restore zip")
	tcompare(t, res, RestoreResult{Restored: 1, Skipped: 0})
}
