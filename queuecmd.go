package main

import (
	"context"
	"fmt"
	"time"

	"github.com/moon4656/skyboot.mail2-sub003/queue"
)

func cmdQueueList(c *cmd) {
	c.help = `List the queued messages for relay to external recipients.

Shows attempts made and the time of the next attempt. Held messages are
skipped by the delivery loop until released with "queue unhold".
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	msgs, err := queue.List(ctx, s.DB)
	xcheckf(err, "listing queue")
	fmt.Printf("%-6s %-28s %-30s %-8s %-20s %-5s %s\n", "id", "mail", "recipient", "attempts", "nextattempt", "hold", "lasterror")
	for _, m := range msgs {
		hold := ""
		if m.Hold {
			hold = "hold"
		}
		fmt.Printf("%-6d %-28s %-30s %-8d %-20s %-5s %s\n", m.ID, m.MailID, m.Recipient, m.Attempts, m.NextAttempt.Format(time.RFC3339), hold, m.LastError)
	}
}

func cmdQueueHold(c *cmd) {
	c.params = "id ..."
	c.help = "Hold queued messages, preventing delivery attempts until unheld."
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	for _, a := range args {
		id := xparseInt(a, "queue message id")
		err := queue.SetHold(ctx, s.DB, id, true)
		xcheckf(err, "holding message %d", id)
	}
}

func cmdQueueUnhold(c *cmd) {
	c.params = "id ..."
	c.help = "Release held queued messages, making them due immediately."
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	for _, a := range args {
		id := xparseInt(a, "queue message id")
		err := queue.SetHold(ctx, s.DB, id, false)
		xcheckf(err, "unholding message %d", id)
	}
}
