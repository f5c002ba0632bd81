package store

import (
	"errors"
	"testing"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/queue"
)

func TestSubmit(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	bob := tuser(t, s, o, "bob")
	carol := tuser(t, s, o, "carol")

	res, err := s.Submit(ctxbg, SubmitRequest{
		SenderID: alice.ID,
		OrgID:    o.ID,
		To:       []string{"bob@gray.example"},
		Cc:       []string{"carol@gray.example", "dave@elsewhere.example"},
		Subject:  "hello",
		TextBody: "text",
	})
	tcheck(t, err, "submit")
	// Sender copy plus one inbox copy for each of the two local recipients.
	tcompare(t, res.Placements, 3)
	tcompare(t, res.Queued, 1)

	m, p, err := s.UserMail(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "sender mail")
	tcompare(t, m.Status, StatusSent)
	tcompare(t, m.Priority, PriorityNormal)
	if m.SentAt == nil {
		t.Fatalf("sent mail has no sent time")
	}
	if !p.SenderCopy || !p.Read || p.ReadAt == nil {
		t.Fatalf("sender copy not read in sent: %#v", p)
	}
	sent := tsysfolder(t, s, alice, FolderSent)
	tcompare(t, p.FolderID, sent.ID)

	for _, u := range []User{bob, carol} {
		_, p, err := s.UserMail(ctxbg, u.ID, o.ID, res.MailID)
		tcheck(t, err, "recipient mail")
		if p.SenderCopy || p.Read || p.ReadAt != nil {
			t.Fatalf("recipient copy not unread in inbox: %#v", p)
		}
		inbox := tsysfolder(t, s, u, FolderInbox)
		tcompare(t, p.FolderID, inbox.ID)
		n, err := s.CountUnread(ctxbg, u.ID, o.ID, "")
		tcheck(t, err, "count unread")
		tcompare(t, n, 1)
	}
	n, err := s.CountUnread(ctxbg, alice.ID, o.ID, "")
	tcheck(t, err, "count unread")
	tcompare(t, n, 0)

	// The external address is queued for relay, the local ones are not.
	ql, err := queue.List(ctxbg, s.DB)
	tcheck(t, err, "queue list")
	if len(ql) != 1 || ql[0].Recipient != "dave@elsewhere.example" || ql[0].MailID != res.MailID {
		t.Fatalf("unexpected queue contents: %#v", ql)
	}

	sends, err := s.SendsToday(ctxbg, o.ID)
	tcheck(t, err, "sends today")
	tcompare(t, sends, int64(1))
}

func TestSubmitSelf(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")

	res, err := s.Submit(ctxbg, SubmitRequest{
		SenderID: alice.ID,
		OrgID:    o.ID,
		To:       []string{"alice@gray.example"},
		Subject:  "note to self",
	})
	tcheck(t, err, "submit to self")
	// Sent copy and inbox copy, for the same user.
	tcompare(t, res.Placements, 2)

	pl, err := bstore.QueryDB[Placement](ctxbg, s.DB).FilterNonzero(Placement{MailID: res.MailID}).List()
	tcheck(t, err, "listing placements")
	if len(pl) != 2 {
		t.Fatalf("got %d placements, expected 2", len(pl))
	}
	var sender, primary bool
	for _, p := range pl {
		tcompare(t, p.UserID, alice.ID)
		if p.SenderCopy {
			sender = true
			tcompare(t, p.Read, true)
		} else {
			primary = true
			tcompare(t, p.Read, false)
		}
	}
	if !sender || !primary {
		t.Fatalf("expected both a sender copy and a primary placement: %#v", pl)
	}
	n, err := s.CountUnread(ctxbg, alice.ID, o.ID, "")
	tcheck(t, err, "count unread")
	tcompare(t, n, 1)
}

func TestSubmitDedupe(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	tuser(t, s, o, "bob")

	// Same user on to and cc: two recipient rows, one inbox placement.
	res, err := s.Submit(ctxbg, SubmitRequest{
		SenderID: alice.ID,
		OrgID:    o.ID,
		To:       []string{"bob@gray.example", "Bob@gray.example"},
		Cc:       []string{"bob@gray.example"},
		Subject:  "dedupe",
	})
	tcheck(t, err, "submit")
	tcompare(t, res.Placements, 2)
	tcompare(t, res.Queued, 0)

	rl, err := bstore.QueryDB[Recipient](ctxbg, s.DB).FilterNonzero(Recipient{MailID: res.MailID}).List()
	tcheck(t, err, "listing recipients")
	if len(rl) != 2 {
		t.Fatalf("got %d recipient rows, expected 2 (to and cc)", len(rl))
	}
}

func TestDraft(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	bob := tuser(t, s, o, "bob")

	res, err := s.Submit(ctxbg, SubmitRequest{
		SenderID: alice.ID,
		OrgID:    o.ID,
		To:       []string{"bob@gray.example", "dave@elsewhere.example"},
		Subject:  "draft",
		Draft:    true,
	})
	tcheck(t, err, "submit draft")
	// Only the sender's drafts placement, nothing queued, nothing counted.
	tcompare(t, res.Placements, 1)
	tcompare(t, res.Queued, 0)

	m, p, err := s.UserMail(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "draft mail")
	tcompare(t, m.Status, StatusDraft)
	if m.SentAt != nil {
		t.Fatalf("draft has sent time")
	}
	drafts := tsysfolder(t, s, alice, FolderDraft)
	tcompare(t, p.FolderID, drafts.ID)

	_, _, err = s.UserMail(ctxbg, bob.ID, o.ID, res.MailID)
	terr(t, err, ErrNotFound, "recipient sees draft")
	sends, err := s.SendsToday(ctxbg, o.ID)
	tcheck(t, err, "sends today")
	tcompare(t, sends, int64(0))

	// Only the sender can send the draft.
	_, err = s.SendDraft(ctxbg, bob.ID, o.ID, res.MailID)
	terr(t, err, ErrNotFound, "send draft as non-sender")

	sres, err := s.SendDraft(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "send draft")
	tcompare(t, sres.Placements, 1) // Bob's inbox copy; the sender copy already existed.
	tcompare(t, sres.Queued, 1)

	m, p, err = s.UserMail(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "sent mail")
	tcompare(t, m.Status, StatusSent)
	if m.SentAt == nil {
		t.Fatalf("sent mail has no sent time")
	}
	sent := tsysfolder(t, s, alice, FolderSent)
	tcompare(t, p.FolderID, sent.ID)

	_, p, err = s.UserMail(ctxbg, bob.ID, o.ID, res.MailID)
	tcheck(t, err, "recipient mail after send")
	tcompare(t, p.Read, false)

	sends, err = s.SendsToday(ctxbg, o.ID)
	tcheck(t, err, "sends today")
	tcompare(t, sends, int64(1))

	// Sending again is a conflict, the mail is no longer a draft.
	_, err = s.SendDraft(ctxbg, alice.ID, o.ID, res.MailID)
	terr(t, err, ErrConflict, "send non-draft")

	// A draft saved without recipients cannot be sent as-is.
	res, err = s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, Subject: "empty draft", Draft: true})
	tcheck(t, err, "submit empty draft")
	_, err = s.SendDraft(ctxbg, alice.ID, o.ID, res.MailID)
	terr(t, err, ErrValidation, "send draft without recipients")
}

func TestSubmitValidation(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")

	bad := []SubmitRequest{
		{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}},                                                            // No subject.
		{SenderID: alice.ID, OrgID: o.ID, Subject: "x"},                                                                               // No recipients, not a draft.
		{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: "x", Priority: "urgent"},                          // Unknown priority.
		{SenderID: alice.ID, OrgID: o.ID, To: []string{"not an address"}, Subject: "x"},                                               // Malformed recipient.
		{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: "x", Attachments: []Attachment{{Filename: "f"}}}, // Attachment without path.
	}
	for i, req := range bad {
		if _, err := s.Submit(ctxbg, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("request %d: got %v, expected validation error", i, err)
		}
	}

	_, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID + 999, OrgID: o.ID, To: []string{"bob@gray.example"}, Subject: "x"})
	terr(t, err, ErrNotFound, "unknown sender")

	// A failed submit writes nothing.
	n, err := bstore.QueryDB[Mail](ctxbg, s.DB).Count()
	tcheck(t, err, "counting mails")
	tcompare(t, n, 0)
	n, err = bstore.QueryDB[Placement](ctxbg, s.DB).Count()
	tcheck(t, err, "counting placements")
	tcompare(t, n, 0)
	sends, err := s.SendsToday(ctxbg, o.ID)
	tcheck(t, err, "sends today")
	tcompare(t, sends, int64(0))
}

func TestSendLimit(t *testing.T) {
	s := newTestStore(t)
	s.DailySendLimit = 2
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")

	req := SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"x@elsewhere.example"}, Subject: "s"}
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctxbg, req)
		tcheck(t, err, "submit within limit")
	}
	_, err := s.Submit(ctxbg, req)
	terr(t, err, ErrSendLimit, "submit over default limit")
	terr(t, err, ErrConflict, "send limit is a conflict")

	// Drafts are not counted, and still work at the limit.
	_, err = s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, Subject: "d", Draft: true})
	tcheck(t, err, "draft at limit")

	// A per-org limit overrides the default.
	o2 := torg(t, s, "indigo")
	o2.DailySendLimit = 1
	err = s.DB.Update(ctxbg, &o2)
	tcheck(t, err, "updating org")
	bob := tuser(t, s, o2, "bob")
	req2 := SubmitRequest{SenderID: bob.ID, OrgID: o2.ID, To: []string{"x@elsewhere.example"}, Subject: "s"}
	_, err = s.Submit(ctxbg, req2)
	tcheck(t, err, "submit within org limit")
	_, err = s.Submit(ctxbg, req2)
	terr(t, err, ErrSendLimit, "submit over org limit")

	sends, err := s.SendsToday(ctxbg, o.ID)
	tcheck(t, err, "sends today")
	tcompare(t, sends, int64(2))
}

func TestMarkFailed(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	alice := tuser(t, s, o, "alice")
	bob := tuser(t, s, o, "bob")

	res, err := s.Submit(ctxbg, SubmitRequest{SenderID: alice.ID, OrgID: o.ID, To: []string{"bob@gray.example", "x@elsewhere.example"}, Subject: "s"})
	tcheck(t, err, "submit")

	err = s.MarkFailed(ctxbg, o.ID, res.MailID, "relay gave up")
	tcheck(t, err, "mark failed")
	m, _, err := s.UserMail(ctxbg, alice.ID, o.ID, res.MailID)
	tcheck(t, err, "fetch mail")
	tcompare(t, m.Status, StatusFailed)
	tcompare(t, m.FailReason, "relay gave up")

	// Local delivery already happened and stays.
	_, p, err := s.UserMail(ctxbg, bob.ID, o.ID, res.MailID)
	tcheck(t, err, "recipient mail")
	tcompare(t, p.Read, false)

	err = s.MarkFailed(ctxbg, o.ID, res.MailID, "again")
	terr(t, err, ErrConflict, "mark failed twice")
	err = s.MarkFailed(ctxbg, o.ID, "20240101_000000_000000000000", "x")
	terr(t, err, ErrNotFound, "mark failed unknown mail")
}

func TestResolveRecipients(t *testing.T) {
	s := newTestStore(t)
	o := torg(t, s, "gray")
	tuser(t, s, o, "alice")

	l, err := s.ResolveRecipients(ctxbg, o.ID, []string{"Alice@gray.example", "x@elsewhere.example"}, nil, []string{"alice@gray.example"})
	tcheck(t, err, "resolve")
	if len(l) != 3 {
		t.Fatalf("got %d resolved, expected 3", len(l))
	}
	if !l[0].Local() || l[0].Email != "alice@gray.example" || l[0].Kind != RcptTo {
		t.Fatalf("unexpected resolution: %#v", l[0])
	}
	if l[1].Local() {
		t.Fatalf("external address resolved to local user: %#v", l[1])
	}
	if !l[2].Local() || l[2].Kind != RcptBcc {
		t.Fatalf("unexpected bcc resolution: %#v", l[2])
	}

	_, err = s.ResolveRecipients(ctxbg, o.ID+999, []string{"alice@gray.example"}, nil, nil)
	terr(t, err, ErrNotFound, "resolve in unknown org")
	_, err = s.ResolveRecipients(ctxbg, o.ID, []string{"bad address"}, nil, nil)
	terr(t, err, ErrValidation, "resolve malformed address")
}
