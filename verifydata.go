package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/queue"
	"github.com/moon4656/skyboot.mail2-sub003/store"
)

func cmdVerifydata(c *cmd) {
	c.params = "data-dir"
	c.help = `Verify the contents of a data directory, typically of a backup.

Verifydata checks the database file: whether it is a valid bolt and bstore
database, whether all records can be parsed, and whether the records satisfy
the invariants the store maintains: each user has the four system folders,
placements reference a mail, user and folder within a single org, mail status
matches the sent time, sent mails have a sender copy, send counters and queue
messages are well-formed, and each attachment record has its file on disk
with the recorded size. Files in the attachments directory that no record
references are an error; with the -fix flag they are moved to an
"unreferenced" directory next to the attachments directory instead.

Because verifydata opens the database file, it cannot run while a skymail
instance is using the same data directory, and schema upgrades of a newer
skymail version may be applied automatically. Run it on a copy, as made with
"skymail backup".
`
	var fix bool
	c.flag.BoolVar(&fix, "fix", false, "move unreferenced attachment files out of the attachments directory instead of reporting them as errors")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	dataDir := filepath.Clean(args[0])
	dbpath := filepath.Join(dataDir, "store.db")
	ctxbg := context.Background()

	var fail bool
	checkf := func(err error, path, format string, args ...any) {
		if err == nil {
			return
		}
		fail = true
		log.Printf("error: %s: %s: %v", path, fmt.Sprintf(format, args...), err)
	}
	// For invariant violations that aren't tied to an I/O error.
	problemf := func(format string, args ...any) {
		checkf(errors.New("invariant violated"), dbpath, format, args...)
	}

	// Bolt-level consistency first. A corrupt file would make the bstore reads
	// below unreliable.
	bdb, err := bolt.Open(dbpath, 0600, nil)
	checkf(err, dbpath, "opening database with bolt")
	if err != nil {
		log.Fatalf("errors were found")
	}
	err = bdb.View(func(tx *bolt.Tx) error {
		for err := range tx.Check() {
			checkf(err, dbpath, "bolt database problem")
		}
		return nil
	})
	checkf(err, dbpath, "checking bolt database")
	err = bdb.Close()
	checkf(err, dbpath, "closing database after bolt check")

	db, err := bstore.Open(ctxbg, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, store.DBTypes...)
	checkf(err, dbpath, "opening database with bstore")
	if err != nil {
		log.Fatalf("errors were found")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("error: %s: closing database: %v", dbpath, err)
		}
	}()

	// Every record of every type must parse.
	err = db.Read(ctxbg, func(tx *bstore.Tx) error {
		types, err := tx.Types()
		checkf(err, dbpath, "getting registered types from database")
		if err != nil {
			return nil
		}
		for _, t := range types {
			var fields []string
			err := tx.Records(t, &fields, func(m map[string]any) error { return nil })
			checkf(err, dbpath, "parsing records for type %q", t)
		}
		return nil
	})
	checkf(err, dbpath, "reading database for record parsing")

	// Referenced attachment file paths, relative with forward slashes, for the
	// directory walk afterwards.
	referenced := map[string]bool{}

	err = db.Read(ctxbg, func(tx *bstore.Tx) error {
		orgs := map[int64]store.Org{}
		ol, err := bstore.QueryTx[store.Org](tx).List()
		if err != nil {
			return fmt.Errorf("listing orgs: %v", err)
		}
		for _, o := range ol {
			orgs[o.ID] = o
		}

		users := map[int64]store.User{}
		ul, err := bstore.QueryTx[store.User](tx).List()
		if err != nil {
			return fmt.Errorf("listing users: %v", err)
		}
		for _, u := range ul {
			users[u.ID] = u
			if _, ok := orgs[u.OrgID]; !ok {
				problemf("user %d references missing org %d", u.ID, u.OrgID)
			}
		}

		folders := map[string]store.Folder{}
		systemKinds := map[int64]map[store.FolderKind]int{}
		fl, err := bstore.QueryTx[store.Folder](tx).List()
		if err != nil {
			return fmt.Errorf("listing folders: %v", err)
		}
		for _, f := range fl {
			folders[f.ID] = f
			u, ok := users[f.UserID]
			if !ok {
				problemf("folder %q references missing user %d", f.ID, f.UserID)
			} else if f.OrgID != u.OrgID {
				problemf("folder %q has org %d, its user %d has org %d", f.ID, f.OrgID, f.UserID, u.OrgID)
			}
			if f.System {
				if f.Kind == store.FolderCustom {
					problemf("system folder %q of user %d has custom kind", f.ID, f.UserID)
					continue
				}
				if systemKinds[f.UserID] == nil {
					systemKinds[f.UserID] = map[store.FolderKind]int{}
				}
				systemKinds[f.UserID][f.Kind]++
			} else if f.Kind != store.FolderCustom {
				problemf("folder %q of user %d has system kind %q but is not a system folder", f.ID, f.UserID, f.Kind)
			}
		}
		for uid := range users {
			for _, k := range []store.FolderKind{store.FolderInbox, store.FolderSent, store.FolderDraft, store.FolderTrash} {
				if n := systemKinds[uid][k]; n != 1 {
					problemf("user %d has %d system folders of kind %q, expected 1", uid, n, k)
				}
			}
		}

		mails := map[string]store.Mail{}
		ml, err := bstore.QueryTx[store.Mail](tx).List()
		if err != nil {
			return fmt.Errorf("listing mails: %v", err)
		}
		for _, m := range ml {
			mails[m.ID] = m
			if _, ok := orgs[m.OrgID]; !ok {
				problemf("mail %q references missing org %d", m.ID, m.OrgID)
			}
			if m.SenderID != 0 {
				u, ok := users[m.SenderID]
				if !ok {
					problemf("mail %q references missing sender %d", m.ID, m.SenderID)
				} else if u.OrgID != m.OrgID {
					problemf("mail %q in org %d has sender %d from org %d", m.ID, m.OrgID, m.SenderID, u.OrgID)
				}
			}
			switch m.Status {
			case store.StatusDraft:
				if m.SentAt != nil {
					problemf("draft mail %q has a sent time", m.ID)
				}
			case store.StatusSent, store.StatusFailed:
				if m.SentAt == nil {
					problemf("mail %q with status %q has no sent time", m.ID, m.Status)
				}
			default:
				problemf("mail %q has unknown status %q", m.ID, m.Status)
			}
		}

		placements := map[string]int{}
		senderCopy := map[string]bool{}
		pl, err := bstore.QueryTx[store.Placement](tx).List()
		if err != nil {
			return fmt.Errorf("listing placements: %v", err)
		}
		for _, p := range pl {
			placements[p.MailID]++
			m, mok := mails[p.MailID]
			if !mok {
				problemf("placement %d references missing mail %q", p.ID, p.MailID)
			} else if m.OrgID != p.OrgID {
				problemf("placement %d has org %d, its mail %q has org %d", p.ID, p.OrgID, p.MailID, m.OrgID)
			}
			u, uok := users[p.UserID]
			if !uok {
				problemf("placement %d references missing user %d", p.ID, p.UserID)
			} else if u.OrgID != p.OrgID {
				problemf("placement %d has org %d, its user %d has org %d", p.ID, p.OrgID, p.UserID, u.OrgID)
			}
			f, fok := folders[p.FolderID]
			if !fok {
				problemf("placement %d references missing folder %q", p.ID, p.FolderID)
			} else if f.UserID != p.UserID {
				problemf("placement %d of user %d is in folder %q of user %d", p.ID, p.UserID, p.FolderID, f.UserID)
			}
			if p.SenderCopy {
				senderCopy[p.MailID] = true
				if mok && m.SenderID != p.UserID {
					problemf("placement %d is a sender copy for user %d, but mail %q has sender %d", p.ID, p.UserID, p.MailID, m.SenderID)
				}
			}
			if !p.Read && p.ReadAt != nil {
				problemf("unread placement %d has a read time", p.ID)
			}
			if p.TrashedFromFolderID != "" && fok && f.Kind != store.FolderTrash {
				problemf("placement %d records a pre-trash folder but is in folder of kind %q", p.ID, f.Kind)
			}
		}
		for id, m := range mails {
			if placements[id] == 0 {
				problemf("mail %q has no placements", id)
			}
			if m.Status != store.StatusDraft && m.SenderID != 0 && !senderCopy[id] {
				problemf("mail %q with status %q has no sender copy placement", id, m.Status)
			}
		}

		rl, err := bstore.QueryTx[store.Recipient](tx).List()
		if err != nil {
			return fmt.Errorf("listing recipients: %v", err)
		}
		for _, r := range rl {
			m, mok := mails[r.MailID]
			if !mok {
				problemf("recipient %d references missing mail %q", r.ID, r.MailID)
			}
			if r.UserID != 0 {
				u, ok := users[r.UserID]
				if !ok {
					problemf("recipient %d references missing user %d", r.ID, r.UserID)
				} else if mok && u.OrgID != m.OrgID {
					problemf("recipient %d of mail %q resolved to user %d from another org", r.ID, r.MailID, r.UserID)
				}
			}
		}

		al, err := bstore.QueryTx[store.Attachment](tx).List()
		if err != nil {
			return fmt.Errorf("listing attachments: %v", err)
		}
		for _, a := range al {
			if _, ok := mails[a.MailID]; !ok {
				problemf("attachment %d references missing mail %q", a.ID, a.MailID)
			}
			referenced[a.Path] = true
			p := filepath.Join(dataDir, "attachments", filepath.FromSlash(a.Path))
			st, err := os.Stat(p)
			checkf(err, p, "checking file for attachment %d", a.ID)
			if err == nil && st.Size() != a.Size {
				problemf("attachment %d file %q has size %d, database says %d", a.ID, a.Path, st.Size(), a.Size)
			}
		}

		cl, err := bstore.QueryTx[store.SendCounter](tx).List()
		if err != nil {
			return fmt.Errorf("listing send counters: %v", err)
		}
		for _, sc := range cl {
			if _, ok := orgs[sc.OrgID]; !ok {
				problemf("send counter %d references missing org %d", sc.ID, sc.OrgID)
			}
			if _, err := time.Parse("20060102", sc.Day); err != nil {
				problemf("send counter %d has malformed day %q", sc.ID, sc.Day)
			}
			if sc.Sent < 0 {
				problemf("send counter %d has negative count %d", sc.ID, sc.Sent)
			}
		}

		ql, err := bstore.QueryTx[queue.Msg](tx).List()
		if err != nil {
			return fmt.Errorf("listing queue messages: %v", err)
		}
		for _, qm := range ql {
			m, ok := mails[qm.MailID]
			if !ok {
				problemf("queue message %d references missing mail %q", qm.ID, qm.MailID)
				continue
			}
			if m.OrgID != qm.OrgID {
				problemf("queue message %d has org %d, its mail %q has org %d", qm.ID, qm.OrgID, qm.MailID, m.OrgID)
			}
			if m.Status == store.StatusDraft {
				problemf("queue message %d references draft mail %q", qm.ID, qm.MailID)
			}
		}

		return nil
	})
	checkf(err, dbpath, "checking database invariants")

	attDir := filepath.Join(dataDir, "attachments")
	if _, err := os.Stat(attDir); err == nil {
		err := filepath.WalkDir(attDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				checkf(err, p, "walking attachments directory")
				return nil
			}
			if d.IsDir() {
				return nil
			}
			rel := filepath.ToSlash(p[len(attDir)+1:])
			if referenced[rel] {
				return nil
			}
			if !fix {
				checkf(errors.New("file not referenced by any attachment"), p, "checking attachment files")
				return nil
			}
			dst := filepath.Join(dataDir, "unreferenced", filepath.FromSlash(rel))
			err = os.MkdirAll(filepath.Dir(dst), 0770)
			checkf(err, dst, "creating directory for unreferenced file")
			if err != nil {
				return nil
			}
			err = os.Rename(p, dst)
			checkf(err, p, "moving unreferenced file to %q", dst)
			if err == nil {
				log.Printf("moved unreferenced file %q to %q", p, dst)
			}
			return nil
		})
		checkf(err, attDir, "walking attachments directory")
	} else if !errors.Is(err, fs.ErrNotExist) {
		checkf(err, attDir, "checking attachments directory")
	}

	if fail {
		log.Fatalf("errors were found")
	}
	fmt.Println("data ok")
}
