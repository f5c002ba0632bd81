package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/metrics"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/queue"
)

// SubmitRequest is one mail submission by the authenticated sender.
type SubmitRequest struct {
	SenderID int64
	OrgID    int64

	To  []string
	Cc  []string
	Bcc []string

	Subject  string
	TextBody string
	HTMLBody string
	Priority Priority // Empty means normal.

	// Save as draft: placed in the sender's Drafts folder, no recipient
	// fan-out, no relay, no send counter.
	Draft bool

	// Attachment metadata. Bytes must already exist under the attachments
	// directory at their Path.
	Attachments []Attachment
}

// SubmitResult reports what one submission did.
type SubmitResult struct {
	MailID     string
	Recipients []Resolved
	Placements int // Placements written by fan-out, including the sender copy.
	Queued     int // External recipients queued for relay.
}

// Submit stores a new mail: the mail row, its recipient rows, the fan-out
// placements, queue records for external recipients and the send counter
// update, all in one transaction. On any error nothing is written.
//
// For drafts only the sender's Drafts placement is created; recipients are
// stored for later sending but not fanned out or relayed.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	kind := "send"
	if req.Draft {
		kind = "draft"
	}
	res, err := s.submit(ctx, req)
	metrics.SubmitInc(kind, ErrKind(err))
	if err == nil && res.Queued > 0 {
		queue.Kick()
	}
	return res, err
}

func (s *Store) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	log := xlog.WithContext(ctx)

	priority, err := checkPriority(req.Priority)
	if err != nil {
		return SubmitResult{}, err
	}
	if req.Subject == "" {
		return SubmitResult{}, fmt.Errorf("%w: empty subject", ErrValidation)
	}
	if !req.Draft && len(req.To)+len(req.Cc)+len(req.Bcc) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: no recipients", ErrValidation)
	}
	for _, a := range req.Attachments {
		if a.Filename == "" || a.Path == "" {
			return SubmitResult{}, fmt.Errorf("%w: attachment without filename or path", ErrValidation)
		}
	}

	var res SubmitResult
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		sender, err := orgUser(tx, req.SenderID, req.OrgID)
		if err != nil {
			return err
		}
		resolved, err := resolveRecipients(tx, req.OrgID, req.To, req.Cc, req.Bcc)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		m := Mail{
			ID:          NewMailID(now),
			OrgID:       req.OrgID,
			SenderID:    sender.ID,
			SenderEmail: sender.Email,
			Subject:     req.Subject,
			TextBody:    req.TextBody,
			HTMLBody:    req.HTMLBody,
			Status:      StatusDraft,
			Priority:    priority,
			CreatedAt:   now,
		}
		if !req.Draft {
			m.Status = StatusSent
			sentAt := now
			m.SentAt = &sentAt
			if err := s.bumpSendCounter(tx, req.OrgID, now); err != nil {
				return err
			}
		}
		if err := tx.Insert(&m); err != nil {
			return fmt.Errorf("inserting mail: %w", err)
		}
		if err := insertRecipients(tx, m.ID, resolved); err != nil {
			return err
		}
		for _, a := range req.Attachments {
			a.ID = 0
			a.MailID = m.ID
			if err := tx.Insert(&a); err != nil {
				return fmt.Errorf("inserting attachment: %w", err)
			}
		}
		placements, err := assignPlacements(tx, log, m, resolved)
		if err != nil {
			return err
		}
		var external []string
		if !req.Draft {
			external = externalAddrs(resolved)
			if err := queue.Add(tx, m.ID, m.OrgID, external); err != nil {
				return err
			}
		}
		res = SubmitResult{MailID: m.ID, Recipients: resolved, Placements: placements, Queued: len(external)}
		return nil
	})
	if err != nil {
		return SubmitResult{}, wrapTransient(err)
	}
	log.Info("mail submitted", mlog.Field("mail", res.MailID), mlog.Field("draft", req.Draft), mlog.Field("placements", res.Placements), mlog.Field("queued", res.Queued))
	return res, nil
}

// SendDraft promotes a draft to sent: recipients are re-resolved, the
// sender's placement moves from Drafts to Sent, recipient fan-out and relay
// queueing happen now, and the send counter is incremented. One transaction,
// like Submit.
func (s *Store) SendDraft(ctx context.Context, userID, orgID int64, mailID string) (SubmitResult, error) {
	res, err := s.sendDraft(ctx, userID, orgID, mailID)
	metrics.SubmitInc("senddraft", ErrKind(err))
	if err == nil && res.Queued > 0 {
		queue.Kick()
	}
	return res, err
}

func (s *Store) sendDraft(ctx context.Context, userID, orgID int64, mailID string) (SubmitResult, error) {
	log := xlog.WithContext(ctx)

	var res SubmitResult
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := orgMail(tx, orgID, mailID)
		if err != nil {
			return err
		}
		if m.SenderID != userID {
			return ErrNoMail
		}
		if m.Status != StatusDraft {
			return fmt.Errorf("%w: mail is not a draft", ErrConflict)
		}

		// Re-resolve the stored addresses: users may have come or gone since
		// the draft was saved.
		old, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailID: m.ID}).List()
		if err != nil {
			return fmt.Errorf("listing draft recipients: %w", err)
		}
		if len(old) == 0 {
			return fmt.Errorf("%w: draft has no recipients", ErrValidation)
		}
		var to, cc, bcc []string
		for _, r := range old {
			switch r.Kind {
			case RcptCc:
				cc = append(cc, r.Email)
			case RcptBcc:
				bcc = append(bcc, r.Email)
			default:
				to = append(to, r.Email)
			}
		}
		if _, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MailID: m.ID}).Delete(); err != nil {
			return fmt.Errorf("removing draft recipients: %w", err)
		}
		resolved, err := resolveRecipients(tx, orgID, to, cc, bcc)
		if err != nil {
			return err
		}
		if err := insertRecipients(tx, m.ID, resolved); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := s.bumpSendCounter(tx, orgID, now); err != nil {
			return err
		}
		m.Status = StatusSent
		sentAt := now
		m.SentAt = &sentAt
		if err := tx.Update(&m); err != nil {
			return fmt.Errorf("updating mail: %w", err)
		}

		// Repoint the sender copy from Drafts to Sent before the fan-out
		// upsert sees it.
		p, err := bstore.QueryTx[Placement](tx).FilterNonzero(Placement{MailID: m.ID, UserID: userID}).FilterEqual("SenderCopy", true).Get()
		if err != nil && err != bstore.ErrAbsent {
			return fmt.Errorf("fetching draft placement: %w", err)
		}
		if err == nil {
			sent, err := systemFolder(tx, userID, FolderSent)
			if err != nil {
				return err
			}
			p.FolderID = sent.ID
			p.TrashedFromFolderID = ""
			if err := tx.Update(&p); err != nil {
				return fmt.Errorf("moving draft placement to sent: %w", err)
			}
		}

		placements, err := assignPlacements(tx, log, m, resolved)
		if err != nil {
			return err
		}
		external := externalAddrs(resolved)
		if err := queue.Add(tx, m.ID, m.OrgID, external); err != nil {
			return err
		}
		res = SubmitResult{MailID: m.ID, Recipients: resolved, Placements: placements, Queued: len(external)}
		return nil
	})
	if err != nil {
		return SubmitResult{}, wrapTransient(err)
	}
	log.Info("draft sent", mlog.Field("mail", res.MailID), mlog.Field("placements", res.Placements), mlog.Field("queued", res.Queued))
	return res, nil
}

// MarkFailed transitions a sent mail to failed, keeping the reason for
// audit. Used when relay delivery fails after the local fan-out already
// succeeded; placements for local recipients are not touched.
func (s *Store) MarkFailed(ctx context.Context, orgID int64, mailID, reason string) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m, err := orgMail(tx, orgID, mailID)
		if err != nil {
			return err
		}
		if m.Status != StatusSent {
			return fmt.Errorf("%w: mail status is %s, not sent", ErrConflict, m.Status)
		}
		m.Status = StatusFailed
		m.FailReason = reason
		return tx.Update(&m)
	})
	if err != nil {
		return wrapTransient(err)
	}
	xlog.WithContext(ctx).Info("mail marked failed", mlog.Field("mail", mailID), mlog.Field("reason", reason))
	return nil
}

// SendsToday returns the number of mails the org sent today (UTC).
func (s *Store) SendsToday(ctx context.Context, orgID int64) (int64, error) {
	day := time.Now().UTC().Format("20060102")
	c, err := bstore.QueryDB[SendCounter](ctx, s.DB).FilterNonzero(SendCounter{OrgID: orgID, Day: day}).Get()
	if err == bstore.ErrAbsent {
		return 0, nil
	} else if err != nil {
		return 0, wrapTransient(err)
	}
	return c.Sent, nil
}

// bumpSendCounter increments the org's counter for the current UTC day,
// refusing when the daily limit is reached. Runs inside the send
// transaction: the increment commits or rolls back with the mail, and the
// single-writer database serializes concurrent sends.
func (s *Store) bumpSendCounter(tx *bstore.Tx, orgID int64, now time.Time) error {
	o := Org{ID: orgID}
	if err := tx.Get(&o); err == bstore.ErrAbsent {
		return fmt.Errorf("%w: no such org", ErrNotFound)
	} else if err != nil {
		return err
	}
	limit := o.DailySendLimit
	if limit == 0 {
		limit = s.DailySendLimit
	}

	day := now.Format("20060102")
	c, err := bstore.QueryTx[SendCounter](tx).FilterNonzero(SendCounter{OrgID: orgID, Day: day}).Get()
	if err == bstore.ErrAbsent {
		c = SendCounter{OrgID: orgID, Day: day}
	} else if err != nil {
		return fmt.Errorf("fetching send counter: %w", err)
	}
	if limit > 0 && c.Sent >= limit {
		return ErrSendLimit
	}
	c.Sent++
	if c.ID == 0 {
		return tx.Insert(&c)
	}
	return tx.Update(&c)
}

func checkPriority(p Priority) (Priority, error) {
	switch p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrValidation, p)
}

func insertRecipients(tx *bstore.Tx, mailID string, resolved []Resolved) error {
	for _, r := range resolved {
		rr := Recipient{MailID: mailID, Email: r.Email, Kind: r.Kind, UserID: r.UserID}
		if err := tx.Insert(&rr); err != nil {
			return fmt.Errorf("inserting recipient: %w", err)
		}
	}
	return nil
}

// externalAddrs returns the distinct unresolved addresses, for relay.
func externalAddrs(resolved []Resolved) []string {
	var addrs []string
	seen := map[string]bool{}
	for _, r := range resolved {
		if r.Local() || seen[r.Email] {
			continue
		}
		seen[r.Email] = true
		addrs = append(addrs, r.Email)
	}
	return addrs
}

// orgMail fetches a mail, enforcing org scope with the same not-found for
// absent and foreign mails.
func orgMail(tx *bstore.Tx, orgID int64, mailID string) (Mail, error) {
	if mailID == "" {
		return Mail{}, ErrNoMail
	}
	m := Mail{ID: mailID}
	err := tx.Get(&m)
	if err == bstore.ErrAbsent || (err == nil && m.OrgID != orgID) {
		return Mail{}, ErrNoMail
	} else if err != nil {
		return Mail{}, fmt.Errorf("fetching mail: %w", err)
	}
	return m, nil
}
