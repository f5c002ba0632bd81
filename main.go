package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/moon4656/skyboot.mail2-sub003/config"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/skymail-"
	"github.com/moon4656/skyboot.mail2-sub003/store"
)

var version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		version = buildInfo.Main.Version
		return
	}
	var vcsRev, vcsMod string
	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" {
			vcsRev = setting.Value
		} else if setting.Key == "vcs.modified" {
			vcsMod = setting.Value
		}
	}
	if vcsRev == "" {
		return
	}
	version = vcsRev
	if vcsMod == "true" {
		version += "+modifications"
	}
}

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"init", cmdInit},
	{"org add", cmdOrgAdd},
	{"org list", cmdOrgList},
	{"user add", cmdUserAdd},
	{"user list", cmdUserList},
	{"setpassword", cmdSetpassword},
	{"folder add", cmdFolderAdd},
	{"folder list", cmdFolderList},
	{"submit", cmdSubmit},
	{"senddraft", cmdSenddraft},
	{"mail list", cmdMailList},
	{"mail show", cmdMailShow},
	{"mail move", cmdMailMove},
	{"mail trash", cmdMailTrash},
	{"mail restore", cmdMailRestore},
	{"mail delete", cmdMailDelete},
	{"mail read", cmdMailRead},
	{"mail unread", cmdMailUnread},
	{"mail unreadcount", cmdMailUnreadcount},
	{"queue list", cmdQueueList},
	{"queue hold", cmdQueueHold},
	{"queue unhold", cmdQueueUnhold},
	{"export", cmdExport},
	{"import", cmdImport},
	{"backup", cmdBackup},
	{"verifydata", cmdVerifydata},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},

	// Not listed.
	{"helpall", cmdHelpall},
	{"gentestdata", cmdGentestdata},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("skymail "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "skymail " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "skymail " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# skymail %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "skymail [-config skymail.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"skymail"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string

// Subcommands that are not "serve" use this function to load the config. It
// restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig() {
	skymail.MustLoadConfig()
	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			mlog.SetConfig(map[string]mlog.Level{"": level})
		} else {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
	}
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&skymail.ConfigPath, "config", envString("SKYMAILCONF", "skymail.conf"), "configuration file, defaults to $SKYMAILCONF with a fallback to skymail.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if loglevel != "" {
		if level, ok := mlog.Levels[loglevel]; ok {
			mlog.SetConfig(map[string]mlog.Level{"": level})
		} else {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("skymail "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""))
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseInt(s, what string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	xcheckf(err, "parsing %s %q", what, s)
	return v
}

// xstore loads the config and opens the store directly, for commands that
// work on the database without a running skymail instance. The database file
// is locked while open, so these commands fail while skymail is running.
func xstore(ctx context.Context) *store.Store {
	mustLoadConfig()
	s, err := store.Open(ctx, skymail.DataDir())
	xcheckf(err, "opening store")
	s.DailySendLimit = skymail.Conf.Static.DailySendLimit
	return s
}

func xorg(ctx context.Context, s *store.Store, name string) store.Org {
	o, err := s.OrgByName(ctx, name)
	xcheckf(err, "looking up org %q", name)
	return o
}

func xuser(ctx context.Context, s *store.Store, o store.Org, email string) store.User {
	u, err := s.UserByEmail(ctx, o.ID, email)
	xcheckf(err, "looking up user %q in org %q", email, o.Name)
	return u
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, the error is printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	if err := skymail.LoadConfig(); err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">skymail.conf"
	c.help = `Prints an annotated empty configuration for use as skymail.conf.

The configuration file is not reloaded while skymail is running. Restart
skymail for changes to take effect.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this skymail version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
