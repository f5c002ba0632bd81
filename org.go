package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
)

func cmdOrgAdd(c *cmd) {
	c.params = "name [domain]"
	c.help = `Add an org.

Users live in exactly one org. Mail never crosses orgs: recipients in other
orgs are treated as external addresses and queued for relay.
`
	var sendLimit int64
	c.flag.Int64Var(&sendLimit, "sendlimit", 0, "daily send limit for this org, overriding the configured default")
	args := c.Parse()
	if len(args) != 1 && len(args) != 2 {
		c.Usage()
	}
	domain := ""
	if len(args) == 2 {
		domain = args[1]
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o, err := s.AddOrg(ctx, args[0], domain)
	xcheckf(err, "adding org")
	if sendLimit > 0 {
		o.DailySendLimit = sendLimit
		err := s.DB.Update(ctx, &o)
		xcheckf(err, "setting send limit")
	}
	fmt.Printf("org %s added, id %d\n", o.Name, o.ID)
}

func cmdOrgList(c *cmd) {
	c.help = "List all orgs."
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	orgs, err := s.Orgs(ctx)
	xcheckf(err, "listing orgs")
	fmt.Printf("%-6s %-20s %-25s %-10s %s\n", "id", "name", "domain", "sendlimit", "sent today")
	for _, o := range orgs {
		sent, err := s.SendsToday(ctx, o.ID)
		xcheckf(err, "fetching send count")
		limit := "default"
		if o.DailySendLimit > 0 {
			limit = fmt.Sprintf("%d", o.DailySendLimit)
		}
		fmt.Printf("%-6d %-20s %-25s %-10s %d\n", o.ID, o.Name, o.Domain, limit, sent)
	}
}

func cmdUserAdd(c *cmd) {
	c.params = "org email [name]"
	c.help = `Add a user to an org.

The user gets the four system folders: Inbox, Sent, Drafts and Trash. The
password is read from stdin, or left unset with -nopassword.
`
	var noPassword bool
	c.flag.BoolVar(&noPassword, "nopassword", false, "create the user without a password, to be set later with setpassword")
	args := c.Parse()
	if len(args) != 2 && len(args) != 3 {
		c.Usage()
	}
	name := ""
	if len(args) == 3 {
		name = args[2]
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	password := ""
	if !noPassword {
		password = xreadpassword()
	}
	u, err := s.AddUser(ctx, o.ID, args[1], name, password)
	xcheckf(err, "adding user")
	fmt.Printf("user %s added to org %s, id %d\n", u.Email, o.Name, u.ID)
}

func cmdUserList(c *cmd) {
	c.params = "org"
	c.help = "List the users of an org."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	users, err := s.Users(ctx, o.ID)
	xcheckf(err, "listing users")
	fmt.Printf("%-6s %-30s %-20s %s\n", "id", "email", "name", "unread")
	for _, u := range users {
		unread, err := s.CountUnread(ctx, u.ID, o.ID, "")
		xcheckf(err, "counting unread")
		fmt.Printf("%-6d %-30s %-20s %d\n", u.ID, u.Email, u.Name, unread)
	}
}

func cmdSetpassword(c *cmd) {
	c.params = "org email"
	c.help = `Set a new password for a user.

The password is read from stdin and stored as a bcrypt hash.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	pw := xreadpassword()
	err := s.SetPassword(ctx, u.ID, o.ID, pw)
	xcheckf(err, "setting password")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Attackers will try passwords reused at other services and weak
passwords. Please pick a random, unguessable password, preferably at least 12
characters.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text()
}

func cmdFolderAdd(c *cmd) {
	c.params = "org email name"
	c.help = `Add a custom folder for a user.

System folders (Inbox, Sent, Drafts, Trash) exist from user creation and
cannot be added, renamed or removed.
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
	f, err := s.AddFolder(ctx, u.ID, o.ID, args[2])
	xcheckf(err, "adding folder")
	fmt.Printf("folder %s added, id %s\n", f.Name, f.ID)
}

func cmdFolderList(c *cmd) {
	c.params = "org email"
	c.help = "List the folders of a user."
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	ctx := context.Background()
	s := xstore(ctx)
	defer s.Close()

	o := xorg(ctx, s, args[0])
	u := xuser(ctx, s, o, args[1])
	folders, err := s.Folders(ctx, u.ID, o.ID)
	xcheckf(err, "listing folders")
	fmt.Printf("%-36s %-20s %-8s %s\n", "id", "name", "kind", "system")
	for _, f := range folders {
		fmt.Printf("%-36s %-20s %-8s %v\n", f.ID, f.Name, f.Kind, f.System)
	}
}
