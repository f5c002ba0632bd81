package store

import (
	"testing"
)

func TestReadFlags(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	bob := tuser(t, s, o, "bob")

	res, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: "s"})
	tcheck(t, err, "submit")
	mailID := res.MailID

	n, err := s.CountUnread(ctxbg, bob.ID, o.ID, "")
	tcheck(t, err, "count unread")
	tcompare(t, n, 1)

	err = s.MarkRead(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "mark read")
	_, p, err := s.UserMail(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "fetch placement")
	if !p.Read || p.ReadAt == nil {
		t.Fatalf("placement not read: %#v", p)
	}
	readAt := *p.ReadAt
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, "")
	tcheck(t, err, "count unread")
	tcompare(t, n, 0)

	// Marking read again leaves the read time alone.
	err = s.MarkRead(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "mark read again")
	_, p, err = s.UserMail(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "fetch placement")
	if p.ReadAt == nil || !p.ReadAt.Equal(readAt) {
		t.Fatalf("read time changed by repeated mark read: %v != %v", p.ReadAt, readAt)
	}

	err = s.MarkUnread(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "mark unread")
	_, p, err = s.UserMail(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "fetch placement")
	if p.Read || p.ReadAt != nil {
		t.Fatalf("placement not unread: %#v", p)
	}
	err = s.MarkUnread(ctxbg, bob.ID, o.ID, mailID)
	tcheck(t, err, "mark unread again")
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, "")
	tcheck(t, err, "count unread")
	tcompare(t, n, 1)

	// Read state is per user: bob's flags never touch alice's sent copy.
	_, p, err = s.UserMail(ctxbg, alice.ID, o.ID, mailID)
	tcheck(t, err, "fetch sender placement")
	tcompare(t, p.Read, true)

	err = s.MarkRead(ctxbg, bob.ID, o.ID, "20240101_000000_000000000000")
	terr(t, err, ErrNotFound, "mark unknown mail read")
}

func TestCountUnread(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	bob := tuser(t, s, o, "bob")

	var ids []string
	for _, subj := range []string{"a", "b", "c"} {
		res, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: subj})
		tcheck(t, err, "submit")
		ids = append(ids, res.MailID)
	}

	n, err := s.CountUnread(ctxbg, bob.ID, o.ID, "")
	tcheck(t, err, "count unread")
	tcompare(t, n, 3)

	// The count follows the mail into other folders: it is per folder kind,
	// not a per-user total.
	archive, err := s.AddFolder(ctxbg, bob.ID, o.ID, "Archive")
	tcheck(t, err, "add folder")
	err = s.Move(ctxbg, bob.ID, o.ID, ids[0], archive.ID)
	tcheck(t, err, "move")
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, FolderInbox)
	tcheck(t, err, "count unread inbox")
	tcompare(t, n, 2)
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, FolderCustom)
	tcheck(t, err, "count unread custom folders")
	tcompare(t, n, 1)

	err = s.MarkRead(ctxbg, bob.ID, o.ID, ids[1])
	tcheck(t, err, "mark read")
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, FolderInbox)
	tcheck(t, err, "count unread inbox")
	tcompare(t, n, 1)

	// Trashed mail counts under trash, not inbox.
	err = s.Trash(ctxbg, bob.ID, o.ID, ids[2])
	tcheck(t, err, "trash")
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, FolderInbox)
	tcheck(t, err, "count unread inbox")
	tcompare(t, n, 0)
	n, err = s.CountUnread(ctxbg, bob.ID, o.ID, FolderTrash)
	tcheck(t, err, "count unread trash")
	tcompare(t, n, 1)

	_, err = s.CountUnread(ctxbg, bob.ID+999, o.ID, "")
	terr(t, err, ErrNotFound, "count for unknown user")
}
