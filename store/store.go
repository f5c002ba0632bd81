// Package store implements storage for a multi-tenant mail service:
// organizations, their users, per-user folders, mails with their recipients,
// and the placements that put one mail in one folder of one user with that
// user's read state.
//
// A mail submitted with N local recipients fans out into exactly one
// placement for the sender (Sent, or Drafts for a draft) and one Inbox
// placement per distinct local recipient. The fan-out, the mail, its
// recipient rows, queue records for external recipients and the
// per-organization send counter all commit in a single write transaction, so
// a partial fan-out cannot exist. Restoring from an archive re-runs the same
// fan-out with upsert semantics, leaving existing placements untouched.
//
// All data lives in a single database file, store.db in the data directory,
// accessed through the bstore library. bbolt allows one writer at a time,
// which serializes transactions: the send counter increment is atomic and
// concurrent read-flag updates are last-writer-wins.
//
// Operations are scoped by (user, org). A lookup that misses because the
// record belongs to another organization returns the same not-found error as
// a true miss, so callers cannot probe for existence across tenants.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/config"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/queue"
)

var xlog = mlog.New("store")

// Error kinds returned by operations. Check with errors.Is. Specific errors
// wrap one of these.
var (
	// Malformed input, rejected before anything was written.
	ErrValidation = errors.New("validation")

	// A mail, folder, user or organization does not exist within the caller's
	// organization. Cross-tenant references return this exact error too;
	// callers cannot distinguish absent from foreign.
	ErrNotFound = errors.New("not found")

	// The operation does not apply to current state, e.g. restoring over an
	// existing mail without overwrite, or deleting a non-empty folder.
	ErrConflict = errors.New("conflict")

	// A storage failure. Callers may retry the whole operation; the store
	// itself never retries, a retried transaction could fan out twice.
	ErrTransient = errors.New("transient")
)

// Frequently tested conditions.
var (
	// Returned for mails the user has no placement of, including mails of
	// other organizations.
	ErrNoMail = fmt.Errorf("%w: no such mail", ErrNotFound)

	// Returned by submit when the organization reached its daily send limit.
	ErrSendLimit = fmt.Errorf("%w: daily send limit reached", ErrConflict)
)

// FolderKind is the type of a folder. The four system kinds exist exactly
// once per user; custom folders are user-created.
type FolderKind string

const (
	FolderInbox  FolderKind = "inbox"
	FolderSent   FolderKind = "sent"
	FolderDraft  FolderKind = "draft"
	FolderTrash  FolderKind = "trash"
	FolderCustom FolderKind = "custom"
)

// SystemFolderNames are the display names of the system folders provisioned
// for each new user.
var SystemFolderNames = map[FolderKind]string{
	FolderInbox: "Inbox",
	FolderSent:  "Sent",
	FolderDraft: "Drafts",
	FolderTrash: "Trash",
}

// MailStatus is the delivery status of a mail.
type MailStatus string

const (
	StatusDraft  MailStatus = "draft"
	StatusSent   MailStatus = "sent"
	StatusFailed MailStatus = "failed" // Sent locally, but relay delivery failed.
)

// Priority of a mail, as set by the sender.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// RecipientKind is the header position of a recipient address.
type RecipientKind string

const (
	RcptTo  RecipientKind = "to"
	RcptCc  RecipientKind = "cc"
	RcptBcc RecipientKind = "bcc"
)

// Org is a tenant organization. Users, folders, mails and placements belong
// to exactly one org and no operation crosses org boundaries.
type Org struct {
	ID     int64
	Name   string `bstore:"nonzero,unique"`
	Domain string // Mail domain, informational.
	// Maximum mails sent per UTC day. 0 applies the configured default.
	DailySendLimit int64
	CreatedAt      time.Time `bstore:"default now"`
}

// User is a mailbox owner within an organization.
type User struct {
	ID    int64
	OrgID int64  `bstore:"nonzero,unique OrgID+Email,ref Org"`
	Email string `bstore:"nonzero"` // Lower-cased and NFC-normalized.
	Name  string
	// Bcrypt hash, used by the authentication layer in front of this store.
	PasswordHash string
	CreatedAt    time.Time `bstore:"default now"`
}

// Folder is a per-user mail container.
type Folder struct {
	ID        string     // UUID.
	OrgID     int64      `bstore:"nonzero,ref Org"`
	UserID    int64      `bstore:"nonzero,unique UserID+Name,index UserID+Kind,ref User"`
	Name      string     `bstore:"nonzero"`
	Kind      FolderKind `bstore:"nonzero"`
	System    bool       // Provisioned with the user, cannot be renamed or removed.
	CreatedAt time.Time  `bstore:"default now"`
}

// Mail is one message, written at submit and shared read-only by every
// placement that references it. Immutable once sent, except the transition
// to failed. The row lives as long as any placement references it.
type Mail struct {
	// Time-sortable unique id, "YYYYMMDD_HHMMSS_" and 12 hex chars, UTC.
	ID    string
	OrgID int64 `bstore:"nonzero,ref Org"`
	// Sending user. 0 when the sender is not a local user, which happens only
	// for mails recreated from a restored archive.
	SenderID    int64  `bstore:"ref User"`
	SenderEmail string `bstore:"nonzero"`
	Subject     string `bstore:"nonzero"`
	TextBody    string
	HTMLBody    string
	Status      MailStatus `bstore:"nonzero"`
	FailReason  string     // Relay failure reason, for audit. Set when Status is failed.
	Priority    Priority   `bstore:"nonzero"`
	// Set when the mail was sent. Nil while draft: status sent implies
	// non-nil, draft implies nil. Restore keeps nil exactly.
	SentAt    *time.Time
	CreatedAt time.Time `bstore:"default now,index"`
}

// Recipient relates a mail to one target address.
type Recipient struct {
	ID     int64
	MailID string        `bstore:"nonzero,unique MailID+Email+Kind,ref Mail"`
	Email  string        `bstore:"nonzero"` // Normalized.
	Kind   RecipientKind `bstore:"nonzero"`
	// Local user the address resolved to. 0 for external addresses, which are
	// relayed and not fanned out.
	UserID int64 `bstore:"ref User"`
}

// Placement puts one mail in one folder of one user, carrying that user's
// read state. A mail is in exactly one primary folder per user (inbox, trash
// or custom); the sender's own copy in Sent or Drafts is a parallel
// placement marked SenderCopy. A user who sends mail to themselves therefore
// has two placements for the same mail.
//
// Folder moves repoint FolderID in place, never delete and recreate, so
// ReadAt history survives moves. Placements are destroyed only by permanent
// delete from trash.
type Placement struct {
	ID     int64
	MailID string `bstore:"nonzero,unique MailID+UserID+SenderCopy,ref Mail"`
	UserID int64  `bstore:"nonzero,index UserID+FolderID,ref User"`
	OrgID  int64  `bstore:"nonzero,ref Org"`

	FolderID   string `bstore:"nonzero,ref Folder"`
	SenderCopy bool

	Read   bool
	ReadAt *time.Time // When the mail was last marked read. Nil while unread.

	// Folder this placement was in before it was moved to trash. Restore from
	// trash returns it there while the folder still exists.
	TrashedFromFolderID string
}

// Attachment is the stored metadata of one attachment. The bytes live in the
// file system under the attachments directory, content-addressed by Path;
// the store reads them only for archive export.
type Attachment struct {
	ID          int64
	MailID      string `bstore:"nonzero,ref Mail"`
	Filename    string `bstore:"nonzero"`
	Path        string `bstore:"nonzero"` // Relative to the attachments directory.
	Size        int64
	ContentType string
}

// SendCounter is the number of mails one organization sent during one UTC
// day. Incremented inside each send transaction; the single-writer database
// makes the read-increment-write atomic.
type SendCounter struct {
	ID    int64
	OrgID int64  `bstore:"nonzero,unique OrgID+Day,ref Org"`
	Day   string `bstore:"nonzero"` // "20060102", UTC.
	Sent  int64
}

// DBTypes are the types stored in the database, registered at open.
var DBTypes = []any{
	Org{},
	User{},
	Folder{},
	Mail{},
	Recipient{},
	Placement{},
	Attachment{},
	SendCounter{},
	queue.Msg{},
}

// Store is an open database plus the data directory holding attachment
// files. Safe for concurrent use.
type Store struct {
	DB *bstore.DB

	// Default daily send limit for orgs without their own. Set from the
	// configuration by callers; Open fills in the built-in default.
	DailySendLimit int64

	dir string
}

// Open opens or creates the store database at dir/store.db and ensures the
// attachments directory exists.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "attachments"), 0770); err != nil {
		return nil, fmt.Errorf("%w: attachments directory: %v", ErrTransient, err)
	}
	p := filepath.Join(dir, "store.db")
	db, err := bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database %s: %v", ErrTransient, p, err)
	}
	return &Store{DB: db, DailySendLimit: config.DefaultDailySendLimit, dir: dir}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// AttachmentPath returns the file path of an attachment.
func (s *Store) AttachmentPath(a Attachment) string {
	return filepath.Join(s.dir, "attachments", filepath.FromSlash(a.Path))
}

// SaveAttachment writes attachment bytes to the attachments directory,
// content-addressed by SHA-256 so identical content shares one file, and
// returns the metadata to pass in a SubmitRequest. The content type is
// derived from the filename extension.
func (s *Store) SaveAttachment(r io.Reader, filename string) (Attachment, error) {
	filename = filepath.Base(filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return Attachment{}, fmt.Errorf("%w: empty attachment filename", ErrValidation)
	}

	f, err := os.CreateTemp(filepath.Join(s.dir, "attachments"), "tmp-*")
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: creating attachment temp file: %v", ErrTransient, err)
	}
	tmpname := f.Name()
	defer os.Remove(tmpname)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		f.Close()
		return Attachment{}, fmt.Errorf("%w: writing attachment: %v", ErrTransient, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Attachment{}, fmt.Errorf("%w: fsync attachment file: %v", ErrTransient, err)
	}
	if err := f.Close(); err != nil {
		return Attachment{}, fmt.Errorf("%w: closing attachment: %v", ErrTransient, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	a := Attachment{Filename: filename, Path: sum[:2] + "/" + sum, Size: size, ContentType: contentType(filename)}
	p := s.AttachmentPath(a)
	if _, err := os.Stat(p); err == nil {
		return a, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return Attachment{}, fmt.Errorf("%w: creating attachment dir: %v", ErrTransient, err)
	}
	if err := os.Rename(tmpname, p); err != nil {
		return Attachment{}, fmt.Errorf("%w: storing attachment: %v", ErrTransient, err)
	}
	if err := syncDir(filepath.Dir(p)); err != nil {
		return Attachment{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return a, nil
}

// syncDir opens a directory and syncs its contents to disk, ensuring a
// rename into it survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %v", err)
	}
	err = d.Sync()
	xerr := d.Close()
	xlog.Check(xerr, "closing directory after sync")
	if err != nil {
		return fmt.Errorf("sync directory: %v", err)
	}
	return nil
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// NewMailID returns a new time-sortable mail id for the given time, e.g.
// 20240824_153059_1f0a2b3c4d5e.
func NewMailID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return now.UTC().Format("20060102_150405") + "_" + suffix
}

// wrapTransient passes through errors already carrying one of the error
// kinds and wraps any other error, assumed to be a storage failure, as
// transient.
func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// ErrKind returns the metrics label for an error: ok, validation, notfound,
// conflict or transient.
func ErrKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "notfound"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "transient"
	}
}

// systemFolder returns the user's system folder of the given kind.
func systemFolder(tx *bstore.Tx, userID int64, kind FolderKind) (Folder, error) {
	f, err := bstore.QueryTx[Folder](tx).FilterNonzero(Folder{UserID: userID, Kind: kind}).FilterEqual("System", true).Get()
	if err == bstore.ErrAbsent {
		return Folder{}, fmt.Errorf("%w: no system folder %s", ErrNotFound, kind)
	} else if err != nil {
		return Folder{}, fmt.Errorf("looking up %s folder: %w", kind, err)
	}
	return f, nil
}

// orgUser fetches the user, enforcing org scope: a user of another org
// yields the same not-found as an absent user.
func orgUser(tx *bstore.Tx, userID, orgID int64) (User, error) {
	u := User{ID: userID}
	err := tx.Get(&u)
	if err == bstore.ErrAbsent || (err == nil && u.OrgID != orgID) {
		return User{}, fmt.Errorf("%w: no such user", ErrNotFound)
	} else if err != nil {
		return User{}, fmt.Errorf("fetching user: %w", err)
	}
	return u, nil
}
