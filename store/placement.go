package store

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/metrics"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/queue"
)

// assignPlacements writes the folder placements for a mail: the sender's
// copy in Sent (Drafts while the mail is a draft) and one Inbox copy per
// distinct resolved local recipient. Drafts get no recipient copies.
//
// Idempotent: a placement that already exists for (mail, user, track) is
// left entirely untouched, including its folder and read state, so restore
// can re-run this after placements were moved or read. Returns the number of
// placements created by this call.
func assignPlacements(tx *bstore.Tx, log *mlog.Log, m Mail, recipients []Resolved) (int, error) {
	created := 0

	// Sender copy, only when the sender is a local user. Mails recreated from
	// an archive can have a foreign sender.
	if m.SenderID != 0 {
		kind := FolderSent
		if m.Status == StatusDraft {
			kind = FolderDraft
		}
		n, _, err := upsertPlacement(tx, log, m, m.SenderID, kind, true, true)
		if err != nil {
			return 0, err
		}
		created += n
	}

	if m.Status == StatusDraft {
		return created, nil
	}

	seen := map[int64]bool{}
	for _, r := range recipients {
		if !r.Local() || seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true
		n, _, err := upsertPlacement(tx, log, m, r.UserID, FolderInbox, false, false)
		if err != nil {
			return 0, err
		}
		created += n
	}
	return created, nil
}

// upsertPlacement creates the placement for (mail, user, track) in the
// user's system folder of the given kind, unless it already exists. Returns
// 1 and the placement when created, 0 when it already existed.
func upsertPlacement(tx *bstore.Tx, log *mlog.Log, m Mail, userID int64, kind FolderKind, senderCopy, read bool) (int, Placement, error) {
	exists, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: m.ID, UserID: userID}).FilterEqual("SenderCopy", senderCopy).Get()
	if err == nil {
		return 0, exists, nil
	} else if err != bstore.ErrAbsent {
		return 0, Placement{}, fmt.Errorf("checking placement: %w", err)
	}

	f, err := systemFolder(tx, userID, kind)
	if err != nil {
		return 0, Placement{}, err
	}
	p := Placement{
		MailID:     m.ID,
		UserID:     userID,
		OrgID:      m.OrgID,
		FolderID:   f.ID,
		SenderCopy: senderCopy,
		Read:       read,
	}
	if read {
		now := time.Now()
		p.ReadAt = &now
	}
	if err := tx.Insert(&p); err != nil {
		return 0, Placement{}, fmt.Errorf("inserting placement: %w", err)
	}
	metrics.PlacementInc(string(kind))
	log.Debug("placement created", mlog.Field("mail", m.ID), mlog.Field("user", userID), mlog.Field("folder", string(kind)), mlog.Field("sendercopy", senderCopy))
	return 1, p, nil
}

// userPlacement finds the user's placement of a mail within the org,
// preferring the primary (recipient) track over the sender copy when both
// exist. Absent and cross-org both return ErrNoMail.
func userPlacement(tx *bstore.Tx, userID, orgID int64, mailID string) (Placement, error) {
	if mailID == "" {
		return Placement{}, ErrNoMail
	}
	l, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: mailID, UserID: userID}).FilterEqual("OrgID", orgID).List()
	if err != nil {
		return Placement{}, fmt.Errorf("listing placements: %w", err)
	}
	if len(l) == 0 {
		return Placement{}, ErrNoMail
	}
	for _, p := range l {
		if !p.SenderCopy {
			return p, nil
		}
	}
	return l[0], nil
}

// Move repoints the user's placement of a mail to another of the user's
// folders, preserving read state and history. Nothing is deleted or
// recreated. Moving into trash records the origin folder for restore;
// moving out of trash clears it.
//
// Placements cannot be moved into Drafts (only draft submission places
// there), and recipient copies cannot be moved into Sent.
func (s *Store) Move(ctx context.Context, userID, orgID int64, mailID, targetFolderID string) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		p, err := userPlacement(tx, userID, orgID, mailID)
		if err != nil {
			return err
		}
		target, err := userFolder(tx, userID, orgID, targetFolderID)
		if err != nil {
			return err
		}
		return movePlacement(tx, p, target)
	})
	if err != nil {
		return wrapTransient(err)
	}
	xlog.WithContext(ctx).Debug("mail moved", mlog.Field("mail", mailID), mlog.Field("user", userID), mlog.Field("folder", targetFolderID))
	return nil
}

func movePlacement(tx *bstore.Tx, p Placement, target Folder) error {
	if p.FolderID == target.ID {
		return nil
	}
	if target.Kind == FolderDraft {
		return fmt.Errorf("%w: cannot move into drafts", ErrConflict)
	}
	if target.Kind == FolderSent && !p.SenderCopy {
		return fmt.Errorf("%w: cannot move received mail into sent", ErrConflict)
	}

	cur := Folder{ID: p.FolderID}
	if err := tx.Get(&cur); err != nil {
		return fmt.Errorf("fetching current folder: %w", err)
	}
	if target.Kind == FolderTrash && cur.Kind != FolderTrash {
		p.TrashedFromFolderID = p.FolderID
	}
	if target.Kind != FolderTrash {
		p.TrashedFromFolderID = ""
	}
	p.FolderID = target.ID
	if err := tx.Update(&p); err != nil {
		return fmt.Errorf("updating placement: %w", err)
	}
	return nil
}

// Trash moves the user's placement of a mail to the trash system folder.
// Already trashed mail is a no-op.
func (s *Store) Trash(ctx context.Context, userID, orgID int64, mailID string) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		p, err := userPlacement(tx, userID, orgID, mailID)
		if err != nil {
			return err
		}
		trash, err := systemFolder(tx, userID, FolderTrash)
		if err != nil {
			return err
		}
		return movePlacement(tx, p, trash)
	})
	if err != nil {
		return wrapTransient(err)
	}
	xlog.WithContext(ctx).Debug("mail trashed", mlog.Field("mail", mailID), mlog.Field("user", userID))
	return nil
}

// RestoreFromTrash moves a trashed placement back to the folder it was
// trashed from, or when that folder no longer exists to Inbox (recipient
// copies) or Sent/Drafts (sender copies, by mail status). A placement not in
// trash is a conflict.
func (s *Store) RestoreFromTrash(ctx context.Context, userID, orgID int64, mailID string) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		p, err := userPlacement(tx, userID, orgID, mailID)
		if err != nil {
			return err
		}
		cur := Folder{ID: p.FolderID}
		if err := tx.Get(&cur); err != nil {
			return fmt.Errorf("fetching current folder: %w", err)
		}
		if cur.Kind != FolderTrash {
			return fmt.Errorf("%w: mail is not in trash", ErrConflict)
		}

		var target Folder
		if p.TrashedFromFolderID != "" {
			if f, err := userFolder(tx, userID, orgID, p.TrashedFromFolderID); err == nil {
				target = f
			}
		}
		if target.ID == "" {
			kind := FolderInbox
			if p.SenderCopy {
				kind = FolderSent
				m := Mail{ID: p.MailID}
				if err := tx.Get(&m); err != nil {
					return fmt.Errorf("fetching mail: %w", err)
				}
				if m.Status == StatusDraft {
					kind = FolderDraft
				}
			}
			f, err := systemFolder(tx, userID, kind)
			if err != nil {
				return err
			}
			target = f
		}

		p.FolderID = target.ID
		p.TrashedFromFolderID = ""
		if err := tx.Update(&p); err != nil {
			return fmt.Errorf("updating placement: %w", err)
		}
		return nil
	})
	if err != nil {
		return wrapTransient(err)
	}
	xlog.WithContext(ctx).Debug("mail restored from trash", mlog.Field("mail", mailID), mlog.Field("user", userID))
	return nil
}

// PermanentDelete removes the user's placement of a mail, which must be in
// trash. When that was the last placement referencing the mail, the mail row
// itself is removed along with its recipients, attachment metadata and any
// queued relay work; attachment files are then deleted best-effort. Other
// users' placements always keep the mail alive.
func (s *Store) PermanentDelete(ctx context.Context, userID, orgID int64, mailID string) error {
	log := xlog.WithContext(ctx)
	var removeFiles []string
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		removeFiles = nil
		p, err := userPlacement(tx, userID, orgID, mailID)
		if err != nil {
			return err
		}
		cur := Folder{ID: p.FolderID}
		if err := tx.Get(&cur); err != nil {
			return fmt.Errorf("fetching current folder: %w", err)
		}
		if cur.Kind != FolderTrash {
			return fmt.Errorf("%w: mail is not in trash", ErrConflict)
		}
		if err := tx.Delete(&Placement{ID: p.ID}); err != nil {
			return fmt.Errorf("deleting placement: %w", err)
		}

		n, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: mailID}).Count()
		if err != nil {
			return fmt.Errorf("counting remaining placements: %w", err)
		}
		if n > 0 {
			return nil
		}

		// Last reference gone, remove the mail itself.
		if _, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailID: mailID}).Delete(); err != nil {
			return fmt.Errorf("deleting recipients: %w", err)
		}
		atts, err := bstore.QueryTx[Attachment](tx).FilterNonzero(Attachment{MailID: mailID}).List()
		if err != nil {
			return fmt.Errorf("listing attachments: %w", err)
		}
		for _, a := range atts {
			if err := tx.Delete(&Attachment{ID: a.ID}); err != nil {
				return fmt.Errorf("deleting attachment: %w", err)
			}
		}
		// Attachment files are content-addressed and may be shared with other
		// mails. Only remove a file when no attachment references it anymore.
		seen := map[string]bool{}
		for _, a := range atts {
			if seen[a.Path] {
				continue
			}
			seen[a.Path] = true
			n, err := bstore.QueryTx[Attachment](tx).FilterNonzero(Attachment{Path: a.Path}).Count()
			if err != nil {
				return fmt.Errorf("counting attachment references: %w", err)
			}
			if n == 0 {
				removeFiles = append(removeFiles, s.AttachmentPath(a))
			}
		}
		if err := queue.RemoveMail(tx, mailID); err != nil {
			return fmt.Errorf("removing queued relay work: %w", err)
		}
		if err := tx.Delete(&Mail{ID: mailID}); err != nil {
			return fmt.Errorf("deleting mail: %w", err)
		}
		log.Info("mail permanently removed", mlog.Field("mail", mailID))
		return nil
	})
	if err != nil {
		return wrapTransient(err)
	}
	for _, p := range removeFiles {
		err := os.Remove(p)
		log.Check(err, "removing attachment file", mlog.Field("path", p))
	}
	return nil
}

// FolderEntry is one mail as listed in a folder.
type FolderEntry struct {
	MailID      string
	Subject     string
	SenderEmail string
	Status      MailStatus
	Priority    Priority
	SentAt      *time.Time
	CreatedAt   time.Time
	SenderCopy  bool
	Read        bool
	ReadAt      *time.Time
}

// FolderMails lists the mails in one of the user's folders, newest first.
func (s *Store) FolderMails(ctx context.Context, userID, orgID int64, folderID string) ([]FolderEntry, error) {
	var entries []FolderEntry
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		entries = nil
		if _, err := userFolder(tx, userID, orgID, folderID); err != nil {
			return err
		}
		placements, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{UserID: userID, FolderID: folderID}).List()
		if err != nil {
			return fmt.Errorf("listing placements: %w", err)
		}
		for _, p := range placements {
			m := Mail{ID: p.MailID}
			if err := tx.Get(&m); err != nil {
				return fmt.Errorf("fetching mail %s: %w", p.MailID, err)
			}
			entries = append(entries, FolderEntry{
				MailID:      m.ID,
				Subject:     m.Subject,
				SenderEmail: m.SenderEmail,
				Status:      m.Status,
				Priority:    m.Priority,
				SentAt:      m.SentAt,
				CreatedAt:   m.CreatedAt,
				SenderCopy:  p.SenderCopy,
				Read:        p.Read,
				ReadAt:      p.ReadAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	slices.SortFunc(entries, func(a, b FolderEntry) int {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.After(b.CreatedAt) {
				return -1
			}
			return 1
		}
		if a.MailID > b.MailID {
			return -1
		} else if a.MailID < b.MailID {
			return 1
		}
		return 0
	})
	return entries, nil
}

// UserMail fetches a mail along with the user's placement of it. Mails the
// user has no placement of, including mails of other orgs, are not found.
func (s *Store) UserMail(ctx context.Context, userID, orgID int64, mailID string) (Mail, Placement, error) {
	var m Mail
	var p Placement
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		p, err = userPlacement(tx, userID, orgID, mailID)
		if err != nil {
			return err
		}
		m, err = orgMail(tx, orgID, mailID)
		return err
	})
	if err != nil {
		return Mail{}, Placement{}, wrapTransient(err)
	}
	return m, p, nil
}

// MailAttachments returns the attachment metadata of a mail the user has a
// placement of.
func (s *Store) MailAttachments(ctx context.Context, userID, orgID int64, mailID string) ([]Attachment, error) {
	var atts []Attachment
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		atts = nil
		if _, err := userPlacement(tx, userID, orgID, mailID); err != nil {
			return err
		}
		l, err := bstore.QueryTx[Attachment](tx).FilterNonzero(Attachment{MailID: mailID}).SortAsc("ID").List()
		if err != nil {
			return fmt.Errorf("listing attachments: %w", err)
		}
		atts = l
		return nil
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return atts, nil
}

// MailRecipients returns the recipient rows of a mail as visible to the
// user: bcc entries are listed only for the sender and for the bcc user
// themselves, never to other recipients.
func (s *Store) MailRecipients(ctx context.Context, userID, orgID int64, mailID string) ([]Recipient, error) {
	var visible []Recipient
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		visible = nil
		if _, err := userPlacement(tx, userID, orgID, mailID); err != nil {
			return err
		}
		m, err := orgMail(tx, orgID, mailID)
		if err != nil {
			return err
		}
		l, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailID: mailID}).SortAsc("ID").List()
		if err != nil {
			return fmt.Errorf("listing recipients: %w", err)
		}
		for _, r := range l {
			if r.Kind == RcptBcc && userID != m.SenderID && r.UserID != userID {
				continue
			}
			visible = append(visible, r)
		}
		return nil
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	return visible, nil
}
