/*
Command skymail is a multi-tenant mail store: it accepts submitted mail, fans
it out to the folders of local recipients, queues external recipients for
relay, and keeps per-user folders and read state consistent.

  - One stored mail per submission, placed in the sender's Sent folder and
    unread in the Inbox of each local recipient, in a single transaction.
  - Four system folders per user plus custom folders, with move, trash,
    restore from trash and permanent delete.
  - Per-user read state, with unread counts computed from it, never cached.
  - Orgs are isolated: recipients in other orgs are external and are queued
    for relay with retry and backoff.
  - Export and import of per-user mail archives, consistent backups, offline
    data verification.

# Commands

	skymail [-config skymail.conf] [-loglevel level] ...
	skymail serve
	skymail init [dir]
	skymail org add name [domain]
	skymail org list
	skymail user add org email [name]
	skymail user list org
	skymail setpassword org email
	skymail folder add org email name
	skymail folder list org email
	skymail submit -org org -from email -subject text [-to addrs] [-cc addrs] [-bcc addrs]
	skymail senddraft org email mailid
	skymail mail list org email folder
	skymail mail show org email mailid
	skymail mail move org email mailid folder
	skymail mail trash org email mailid
	skymail mail restore org email mailid
	skymail mail delete org email mailid
	skymail mail read org email mailid
	skymail mail unread org email mailid
	skymail mail unreadcount org email [folderkind]
	skymail queue list
	skymail queue hold id ...
	skymail queue unhold id ...
	skymail export org email dst
	skymail import org email src
	skymail backup dst-dir
	skymail verifydata data-dir
	skymail config test
	skymail config describe >skymail.conf
	skymail version
	skymail help [command ...]

Commands that operate on the mail store open the database file directly and
fail while a skymail instance has it open. Specify the configuration file
(that holds the path to the data directory) through the -config flag or
SKYMAILCONF environment variable.

# skymail serve

Start skymail, serving the mail store, relay queue and metrics.

Opens the database in the configured data directory and starts the delivery
loop that relays mail addressed outside the org. Mail enters through the
store API and the skymail subcommands; skymail does not speak SMTP itself,
external recipients are handed to a relay transport.

When AdminListener is configured, Prometheus metrics are served on
/metrics. A SIGINT or SIGTERM triggers a graceful shutdown.

	usage: skymail serve

# skymail init

Create an annotated config file and an initialized database.

Writes skymail.conf to the directory (default the current directory), creates
the data directory next to it and initializes an empty database. Fails when a
config file already exists.

Add an org and users afterwards:

	skymail -config dir/skymail.conf org add acme acme.example
	skymail -config dir/skymail.conf user add acme bob@acme.example 'Bob'

	usage: skymail init [dir]

# skymail org add

Add an org.

Users live in exactly one org. Mail never crosses orgs: recipients in other
orgs are treated as external addresses and queued for relay.

	usage: skymail org add name [domain]
	  -sendlimit int
	    	daily send limit for this org, overriding the configured default

# skymail org list

List all orgs.

	usage: skymail org list

# skymail user add

Add a user to an org.

The user gets the four system folders: Inbox, Sent, Drafts and Trash. The
password is read from stdin, or left unset with -nopassword.

	usage: skymail user add org email [name]
	  -nopassword
	    	create the user without a password, to be set later with setpassword

# skymail user list

List the users of an org.

	usage: skymail user list org

# skymail setpassword

Set a new password for a user.

The password is read from stdin and stored as a bcrypt hash.

	usage: skymail setpassword org email

# skymail folder add

Add a custom folder for a user.

System folders (Inbox, Sent, Drafts, Trash) exist from user creation and
cannot be added, renamed or removed.

	usage: skymail folder add org email name

# skymail folder list

List the folders of a user.

	usage: skymail folder list org email

# skymail submit

Submit a mail, reading the text body from stdin.

The mail is stored once and fanned out: the sender gets a copy in Sent,
each local recipient gets an unread copy in their Inbox, and recipients
outside the org are queued for relay. With -draft the mail is only placed in
the sender's Drafts folder, to be sent later with senddraft.

Address lists are comma-separated. Attachments are stored in the attachments
directory and referenced by the mail.

	usage: skymail submit -org org -from email -subject text [-to addrs] [-cc addrs] [-bcc addrs]
	  -attach string
	    	comma-separated paths of files to attach
	  -bcc string
	    	comma-separated bcc addresses
	  -cc string
	    	comma-separated cc addresses
	  -draft
	    	store as draft instead of sending
	  -from string
	    	sender address
	  -org string
	    	org of the sender
	  -priority string
	    	low, normal or high, default normal
	  -subject string
	    	subject line
	  -to string
	    	comma-separated to addresses

# skymail senddraft

Send a stored draft.

Recipients are resolved again at send time, the draft moves from Drafts to
Sent and the recipient fan-out and relay queueing happen now.

	usage: skymail senddraft org email mailid

# skymail mail list

List the mails in a folder of a user, newest first.

The folder is referenced by name, e.g. Inbox or Trash.

	usage: skymail mail list org email folder

# skymail mail show

Print a mail with its recipients and attachment metadata.

Bcc recipients are only shown to the sender and to the bcc recipient.

	usage: skymail mail show org email mailid

# skymail mail move

Move a mail to another folder of the user.

The placement is repointed, preserving read state. Moving into Trash records
the origin folder so "mail restore" can return it there.

	usage: skymail mail move org email mailid folder

# skymail mail trash

Move a mail to the user's Trash folder.

	usage: skymail mail trash org email mailid

# skymail mail restore

Move a trashed mail back to the folder it was trashed from.

	usage: skymail mail restore org email mailid

# skymail mail delete

Permanently delete a trashed mail for a user.

Removes the user's placement. When no other user references the mail, the
mail itself and its attachment files are removed as well.

	usage: skymail mail delete org email mailid

# skymail mail read

Mark a mail read for a user.

	usage: skymail mail read org email mailid

# skymail mail unread

Mark a mail unread for a user.

	usage: skymail mail unread org email mailid

# skymail mail unreadcount

Print the number of unread mails of a user.

Counts the Inbox by default; pass a folder kind (inbox, trash, custom) to
count another. The count is computed from the stored read flags, never
cached.

	usage: skymail mail unreadcount org email [folderkind]

# skymail queue list

List the queued messages for relay to external recipients.

Shows attempts made and the time of the next attempt. Held messages are
skipped by the delivery loop until released with "queue unhold".

	usage: skymail queue list

# skymail queue hold

Hold queued messages, preventing delivery attempts until unheld.

	usage: skymail queue hold id ...

# skymail queue unhold

Release held queued messages, making them due immediately.

	usage: skymail queue unhold id ...

# skymail export

Export all mail of a user to an archive.

The archive holds a meta.json, one JSON record per mail keyed by mail id with
recipients, the user's read state and attachment metadata, and the attachment
files unless -meta-only is set. A mail is included when the user has any
placement of it, including trash. Null sent times survive a round-trip
through export and import unchanged.

Export bypasses a running skymail instance: it opens the database directly,
which blocks while an instance has it open.

	usage: skymail export org email dst
	  -format string
	    	archive format: dir, tar, tgz or zip; derived from the dst extension when empty
	  -meta-only
	    	metadata only, no attachment file contents

# skymail import

Restore mails from an archive into an org on behalf of a user.

Recipient addresses are resolved against the current users of the org and
the regular fan-out runs for each mail, so recipients that exist locally get
their folder placements again. The restoring user always ends up with a
placement for each restored mail.

A mail id that already exists is skipped unless -overwrite is set; an id held
by another org is never touched. Records that conflict are reported and
skipped, the rest of the archive is still restored.

	usage: skymail import org email src
	  -format string
	    	archive format: dir, tar, tgz or zip; derived from src when empty
	  -overwrite
	    	replace mail content and recipient metadata of existing mail ids in this org

# skymail backup

Make a backup of config and data to a fresh directory.

The database is copied in a single read transaction, giving a consistent
snapshot. Attachment files are copied afterwards; their content-addressed
paths never change once written, so the copies match the snapshot. The
config file is copied next to the data.

Run while skymail is stopped; a running instance holds a lock on the
database file. Existing files in the destination are never overwritten.

	usage: skymail backup dst-dir
	  -verbose
	    	print each copied file

# skymail verifydata

Verify the contents of a data directory, typically of a backup.

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

	usage: skymail verifydata data-dir
	  -fix
	    	move unreferenced attachment files out of the attachments directory instead of reporting them as errors

# skymail config test

Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, the error is printed.

	usage: skymail config test

# skymail config describe

Prints an annotated empty configuration for use as skymail.conf.

The configuration file is not reloaded while skymail is running. Restart
skymail for changes to take effect.

	usage: skymail config describe >skymail.conf

# skymail version

Prints this skymail version.

	usage: skymail version

# skymail help

Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.

	usage: skymail help [command ...]
*/
package main

// NOTE: DO NOT EDIT, this file is generated by gendoc.sh.
