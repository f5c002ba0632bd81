package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/mlog"
)

// MarkRead marks the user's placement of a mail as read. Marking read mail
// read again is a successful no-op that leaves ReadAt untouched; clients
// commonly invoke it twice.
func (s *Store) MarkRead(ctx context.Context, userID, orgID int64, mailID string) error {
	return s.setRead(ctx, userID, orgID, mailID, true)
}

// MarkUnread marks the user's placement of a mail as unread, clearing
// ReadAt. Like MarkRead, a no-op when already unread.
func (s *Store) MarkUnread(ctx context.Context, userID, orgID int64, mailID string) error {
	return s.setRead(ctx, userID, orgID, mailID, false)
}

func (s *Store) setRead(ctx context.Context, userID, orgID int64, mailID string, read bool) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		p, err := userPlacement(tx, userID, orgID, mailID)
		if err != nil {
			return err
		}
		if p.Read == read {
			return nil
		}
		p.Read = read
		if read {
			now := time.Now()
			p.ReadAt = &now
		} else {
			p.ReadAt = nil
		}
		if err := tx.Update(&p); err != nil {
			return fmt.Errorf("updating placement: %w", err)
		}
		return nil
	})
	if err != nil {
		return wrapTransient(err)
	}
	xlog.WithContext(ctx).Debug("read state set", mlog.Field("mail", mailID), mlog.Field("user", userID), mlog.Field("read", read))
	return nil
}

// CountUnread returns the number of unread mails across the user's folders
// of the given kind, inbox when kind is empty. A pure aggregate over
// placements with Read false, never a cached counter.
func (s *Store) CountUnread(ctx context.Context, userID, orgID int64, kind FolderKind) (int, error) {
	if kind == "" {
		kind = FolderInbox
	}
	total := 0
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		total = 0
		if _, err := orgUser(tx, userID, orgID); err != nil {
			return err
		}
		folders, err := bstore.QueryTx[Folder](tx).FilterNonzero(Folder{UserID: userID, Kind: kind}).List()
		if err != nil {
			return fmt.Errorf("listing folders: %w", err)
		}
		for _, f := range folders {
			n, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{UserID: userID, FolderID: f.ID}).FilterEqual("Read", false).Count()
			if err != nil {
				return fmt.Errorf("counting unread in %s: %w", f.Name, err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapTransient(err)
	}
	return total, nil
}
