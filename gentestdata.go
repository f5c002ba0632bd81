package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/moon4656/skyboot.mail2-sub003/store"
)

func cmdGentestdata(c *cmd) {
	c.unlisted = true
	c.params = "dest-dir"
	c.help = `Generate a populated data directory, for testing upgrades.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	destDataDir, err := filepath.Abs(args[0])
	xcheckf(err, "making destination directory an absolute path")

	if _, err := os.Stat(destDataDir); err == nil {
		log.Fatalf("destination directory already exists, refusing to generate test data")
	}
	err = os.MkdirAll(destDataDir, 0770)
	xcheckf(err, "creating destination data directory")

	ctxbg := context.Background()

	s, err := store.Open(ctxbg, destDataDir)
	xcheckf(err, "opening new store")
	defer func() {
		err := s.Close()
		xcheckf(err, "closing store")
	}()

	org0, err := s.AddOrg(ctxbg, "gray", "gray.example")
	xcheckf(err, "adding org")
	org1, err := s.AddOrg(ctxbg, "indigo", "indigo.example")
	xcheckf(err, "adding org")

	alice, err := s.AddUser(ctxbg, org0.ID, "alice@gray.example", "Alice", "testtest")
	xcheckf(err, "adding user")
	bob, err := s.AddUser(ctxbg, org0.ID, "bob@gray.example", "Bob", "testtest")
	xcheckf(err, "adding user")
	carol, err := s.AddUser(ctxbg, org1.ID, "carol@indigo.example", "Carol", "testtest")
	xcheckf(err, "adding user")

	receipts, err := s.AddFolder(ctxbg, bob.ID, org0.ID, "Receipts")
	xcheckf(err, "adding custom folder")

	att, err := s.SaveAttachment(strings.NewReader("quarterly numbers\n"), "numbers.txt")
	xcheckf(err, "saving attachment")

	// A sent mail with a local and an external recipient, so both fan-out
	// placements and a queue row exist.
	res, err := s.Submit(ctxbg, store.SubmitRequest{
		SenderID:    alice.ID,
		OrgID:       org0.ID,
		To:          []string{"bob@gray.example"},
		Cc:          []string{"dave@elsewhere.example"},
		Subject:     "quarterly numbers",
		TextBody:    "see attachment",
		Attachments: []store.Attachment{att},
	})
	xcheckf(err, "submitting mail")
	err = s.MarkRead(ctxbg, bob.ID, org0.ID, res.MailID)
	xcheckf(err, "marking mail read")
	err = s.Move(ctxbg, bob.ID, org0.ID, res.MailID, receipts.ID)
	xcheckf(err, "moving mail to custom folder")

	// A draft, only placed in the sender's drafts folder.
	_, err = s.Submit(ctxbg, store.SubmitRequest{
		SenderID: alice.ID,
		OrgID:    org0.ID,
		To:       []string{"bob@gray.example"},
		Subject:  "unfinished thought",
		TextBody: "draft body",
		Draft:    true,
	})
	xcheckf(err, "submitting draft")

	// A trashed mail, with the pre-trash folder recorded.
	res, err = s.Submit(ctxbg, store.SubmitRequest{
		SenderID: bob.ID,
		OrgID:    org0.ID,
		To:       []string{"alice@gray.example"},
		Subject:  "old thread",
		TextBody: "obsolete",
	})
	xcheckf(err, "submitting mail")
	err = s.Trash(ctxbg, alice.ID, org0.ID, res.MailID)
	xcheckf(err, "trashing mail")

	// A mail in the second org, to exercise org isolation on upgraded data.
	_, err = s.Submit(ctxbg, store.SubmitRequest{
		SenderID: carol.ID,
		OrgID:    org1.ID,
		To:       []string{"carol@indigo.example"},
		Subject:  "note to self",
		TextBody: "remember to rotate the dkim keys",
	})
	xcheckf(err, "submitting mail")
}
