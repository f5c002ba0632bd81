package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/moon4656/skyboot.mail2-sub003/store"
)

func splitAddrs(s string) []string {
	var l []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			l = append(l, e)
		}
	}
	return l
}

func cmdSubmit(c *cmd) {
	c.params = "-org org -from email -subject text [-to addrs] [-cc addrs] [-bcc addrs]"
	c.help = `Submit a mail, reading the text body from stdin.

The mail is stored once and fanned out: the sender gets a copy in Sent,
each local recipient gets an unread copy in their Inbox, and recipients
outside the org are queued for relay. With -draft the mail is only placed in
the sender's Drafts folder, to be sent later with senddraft.

Address lists are comma-separated. Attachments are stored in the attachments
directory and referenced by the mail.
`
	var org, from, to, cc, bcc, subject, prio, attach string
	var draft bool
	c.flag.StringVar(&org, "org", "", "org of the sender")
	c.flag.StringVar(&from, "from", "", "sender address")
	c.flag.StringVar(&to, "to", "", "comma-separated to addresses")
	c.flag.StringVar(&cc, "cc", "", "comma-separated cc addresses")
	c.flag.StringVar(&bcc, "bcc", "", "comma-separated bcc addresses")
	c.flag.StringVar(&subject, "subject", "", "subject line")
	c.flag.StringVar(&prio, "priority", "", "low, normal or high, default normal")
	c.flag.BoolVar(&draft, "draft", false, "store as draft instead of sending")
	c.flag.StringVar(&attach, "attach", "", "comma-separated paths of files to attach")
	args := c.Parse()
	if len(args) != 0 || org == "" || from == "" {
		c.Usage()
	}

	body, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading body from stdin")

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, org)
	u := xuser(ctx, s, o, from)

	var atts []store.Attachment
	for _, p := range splitAddrs(attach) {
		f, err := os.Open(p)
		xcheckf(err, "opening attachment %s", p)
		a, err := s.SaveAttachment(f, p)
		f.Close()
		xcheckf(err, "storing attachment %s", p)
		atts = append(atts, a)
	}

	res, err := s.Submit(ctx, store.SubmitRequest{
		SenderID:    u.ID,
		OrgID:       o.ID,
		To:          splitAddrs(to),
		Cc:          splitAddrs(cc),
		Bcc:         splitAddrs(bcc),
		Subject:     subject,
		TextBody:    string(body),
		Priority:    store.Priority(prio),
		Draft:       draft,
		Attachments: atts,
	})
	xcheckf(err, "submitting mail")
	fmt.Printf("mail %s: %d placements, %d queued for relay\n", res.MailID, res.Placements, res.Queued)
}

func cmdSenddraft(c *cmd) {
	c.params = "org email mailid"
	c.help = `Send a stored draft.

Recipients are resolved again at send time, the draft moves from Drafts to
Sent and the recipient fan-out and relay queueing happen now.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	res, err := s.SendDraft(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "sending draft")
	fmt.Printf("mail %s sent: %d placements, %d queued for relay\n", res.MailID, res.Placements, res.Queued)
}

func cmdMailList(c *cmd) {
	c.params = "org email folder"
	c.help = `List the mails in a folder of a user, newest first.

The folder is referenced by name, e.g. Inbox or Trash.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	f, err := s.FolderByName(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "looking up folder")
	entries, err := s.FolderMails(ctx, u.ID, o.ID, f.ID)
	xcheckf(err, "listing folder")
	fmt.Printf("%-28s %-5s %-30s %-8s %s\n", "mailid", "read", "sender", "status", "subject")
	for _, e := range entries {
		read := ""
		if e.Read {
			read = "read"
		}
		fmt.Printf("%-28s %-5s %-30s %-8s %s\n", e.MailID, read, e.SenderEmail, e.Status, e.Subject)
	}
}

func cmdMailShow(c *cmd) {
	c.params = "org email mailid"
	c.help = `Print a mail with its recipients and attachment metadata.

Bcc recipients are only shown to the sender and to the bcc recipient.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	m, p, err := s.UserMail(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "fetching mail")
	rcpts, err := s.MailRecipients(ctx, u.ID, o.ID, m.ID)
	xcheckf(err, "fetching recipients")
	atts, err := s.MailAttachments(ctx, u.ID, o.ID, m.ID)
	xcheckf(err, "fetching attachments")

	fmt.Printf("mail %s\n", m.ID)
	fmt.Printf("from: %s\n", m.SenderEmail)
	for _, r := range rcpts {
		fmt.Printf("%s: %s\n", r.Kind, r.Email)
	}
	fmt.Printf("subject: %s\n", m.Subject)
	fmt.Printf("status: %s, priority: %s", m.Status, m.Priority)
	if m.SentAt != nil {
		fmt.Printf(", sent %s", m.SentAt.Format(time.RFC3339))
	}
	fmt.Println()
	if m.FailReason != "" {
		fmt.Printf("failure: %s\n", m.FailReason)
	}
	fmt.Printf("read: %v\n", p.Read)
	for _, a := range atts {
		fmt.Printf("attachment: %s (%d bytes, %s)\n", a.Filename, a.Size, a.ContentType)
	}
	if m.TextBody != "" {
		fmt.Printf("\n%s\n", m.TextBody)
	}
}

func cmdMailMove(c *cmd) {
	c.params = "org email mailid folder"
	c.help = `Move a mail to another folder of the user.

The placement is repointed, preserving read state. Moving into Trash records
the origin folder so "mail restore" can return it there.
`
	args := c.Parse()
	if len(args) != 4 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	f, err := s.FolderByName(ctx, u.ID, o.ID, args[3])
	xcheckf(err, "looking up folder")
	err = s.Move(ctx, u.ID, o.ID, args[2], f.ID)
	xcheckf(err, "moving mail")
}

func cmdMailTrash(c *cmd) {
	c.params = "org email mailid"
	c.help = "Move a mail to the user's Trash folder."
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	err := s.Trash(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "trashing mail")
}

func cmdMailRestore(c *cmd) {
	c.params = "org email mailid"
	c.help = "Move a trashed mail back to the folder it was trashed from."
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	err := s.RestoreFromTrash(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "restoring mail")
}

func cmdMailDelete(c *cmd) {
	c.params = "org email mailid"
	c.help = `Permanently delete a trashed mail for a user.

Removes the user's placement. When no other user references the mail, the
mail itself and its attachment files are removed as well.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	err := s.PermanentDelete(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "deleting mail")
}

func cmdMailRead(c *cmd) {
	c.params = "org email mailid"
	c.help = "Mark a mail read for a user."
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	err := s.MarkRead(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "marking mail read")
}

func cmdMailUnread(c *cmd) {
	c.params = "org email mailid"
	c.help = "Mark a mail unread for a user."
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	err := s.MarkUnread(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "marking mail unread")
}

func cmdMailUnreadcount(c *cmd) {
	c.params = "org email [folderkind]"
	c.help = `Print the number of unread mails of a user.

Counts the Inbox by default; pass a folder kind (inbox, trash, custom) to
count another. The count is computed from the stored read flags, never
cached.
`
	args := c.Parse()
	if len(args) != 2 && len(args) != 3 {
		c.Usage()
	}
	kind := store.FolderKind("")
	if len(args) == 3 {
		kind = store.FolderKind(args[2])
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	n, err := s.CountUnread(ctx, u.ID, o.ID, kind)
	xcheckf(err, "counting unread")
	fmt.Println(n)
}
