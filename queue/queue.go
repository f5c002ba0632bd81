// Package queue schedules relay of mail to external recipients.
//
// Recipient addresses that do not resolve to a local user are not fanned out
// into folders but handed to an SMTP transport for delivery elsewhere. The
// queue records one message per (mail, external recipient), added inside the
// same transaction that wrote the mail and its placements, so a committed
// send always has its relay work recorded and a rolled back send has none.
//
// Delivery itself is out of scope here: a Transport implementation is
// injected by the caller. The queue retries failed deliveries with doubling
// backoff and reports messages that exhaust their attempts through a
// callback, which the caller typically wires to marking the mail as failed.
// Delivery outcome never affects placements for local recipients.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/mjl-/bstore"

	"github.com/moon4656/skyboot.mail2-sub003/metrics"
	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/skymail-"
)

var xlog = mlog.New("queue")

// Msg is one queued delivery of one mail to one external recipient.
type Msg struct {
	ID        int64
	MailID    string `bstore:"nonzero,index"`
	OrgID     int64  `bstore:"nonzero"`
	Recipient string `bstore:"nonzero"` // External address, normalized.
	Queued    time.Time
	Attempts  int // Delivery attempts so far.
	// Time of next delivery attempt. In the past for messages that are due.
	NextAttempt time.Time `bstore:"index"`
	LastAttempt *time.Time
	LastError   string
	Hold        bool // Frozen by an admin, skipped by the delivery loop.
}

// DBTypes are the types this package stores, registered by store.Open.
var DBTypes = []any{Msg{}}

// Transport delivers one queued message. Implementations speak SMTP to a
// smarthost or relay service; this package only schedules.
type Transport interface {
	Deliver(ctx context.Context, m Msg) error
}

// Options configure the delivery loop.
type Options struct {
	// Attempts before a message is given up on. 0 means 8.
	MaxAttempts int
	// Called when a message exhausts its attempts, with the reason of the last
	// failure. Typically wired to store.MarkFailed. May be nil.
	OnFail func(ctx context.Context, orgID int64, mailID, reason string)
}

// Add queues mail mailID for delivery to external recipients, within the
// transaction that writes the mail. Call Kick after the transaction commits.
func Add(tx *bstore.Tx, mailID string, orgID int64, recipients []string) error {
	now := time.Now()
	for _, rcpt := range recipients {
		m := Msg{MailID: mailID, OrgID: orgID, Recipient: rcpt, Queued: now, NextAttempt: now}
		if err := tx.Insert(&m); err != nil {
			return fmt.Errorf("inserting queue message: %w", err)
		}
	}
	return nil
}

// RemoveMail deletes the queued messages of a mail, within tx. Used when a
// mail is permanently deleted.
func RemoveMail(tx *bstore.Tx, mailID string) error {
	_, err := bstore.QueryTx[Msg](tx).FilterNonzero(Msg{MailID: mailID}).Delete()
	return err
}

// List returns all queued messages, earliest next attempt first.
func List(ctx context.Context, db *bstore.DB) ([]Msg, error) {
	return bstore.QueryDB[Msg](ctx, db).SortAsc("NextAttempt").List()
}

// Count returns the number of queued messages.
func Count(ctx context.Context, db *bstore.DB) (int, error) {
	return bstore.QueryDB[Msg](ctx, db).Count()
}

// SetHold marks or unmarks a queued message as held. Held messages are
// skipped by the delivery loop until released.
func SetHold(ctx context.Context, db *bstore.DB, id int64, hold bool) error {
	return db.Write(ctx, func(tx *bstore.Tx) error {
		m := Msg{ID: id}
		if err := tx.Get(&m); err != nil {
			return err
		}
		m.Hold = hold
		if !hold {
			m.NextAttempt = time.Now()
		}
		return tx.Update(&m)
	})
}

var kick = make(chan struct{}, 1)

// Kick wakes up the delivery loop, e.g. after a commit added messages or an
// admin released a hold.
func Kick() {
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Launch starts the delivery loop in a goroutine. The loop stops when done is
// canceled.
func Launch(db *bstore.DB, transport Transport, opts Options, done <-chan struct{}) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	go deliverLoop(db, transport, opts, done)
}

func deliverLoop(db *bstore.DB, transport Transport, opts Options, done <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-kick:
		case <-timer.C:
		}

		launchWork(db, transport, opts, done)

		d := nextWork(db)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}
}

// nextWork returns the duration until the next message is due, with a
// fallback poll interval so a missed kick cannot stall the queue.
func nextWork(db *bstore.DB) time.Duration {
	qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := bstore.QueryDB[Msg](qctx, db).FilterEqual("Hold", false).SortAsc("NextAttempt").Limit(1).List()
	if err != nil {
		xlog.Errorx("finding next queue work", err)
		return time.Minute
	}
	if len(msgs) == 0 {
		return 5 * time.Minute
	}
	d := time.Until(msgs[0].NextAttempt)
	if d < 0 {
		d = 0
	}
	return d
}

func launchWork(db *bstore.DB, transport Transport, opts Options, done <-chan struct{}) {
	defer func() {
		x := recover()
		if x != nil {
			xlog.Error("queue delivery panic", mlog.Field("panic", fmt.Sprintf("%v", x)))
			debug.PrintStack()
			metrics.PanicInc("queue")
		}
	}()

	qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	msgs, err := bstore.QueryDB[Msg](qctx, db).FilterEqual("Hold", false).FilterLessEqual("NextAttempt", time.Now()).SortAsc("NextAttempt").Limit(maxConcurrentDeliveries).List()
	cancel()
	if err != nil {
		xlog.Errorx("listing due queue messages", err)
		return
	}
	for _, m := range msgs {
		select {
		case <-done:
			return
		default:
		}
		deliver(db, transport, opts, m)
	}
}

const maxConcurrentDeliveries = 10

// backoff returns the delay until the next attempt after the given number of
// attempts so far: one minute doubling per attempt, capped at 16 hours.
func backoff(attempts int) time.Duration {
	d := time.Minute
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 16*time.Hour {
			return 16 * time.Hour
		}
	}
	return d
}

func deliver(db *bstore.DB, transport Transport, opts Options, m Msg) {
	// One cid for the attempt, so the log lines of the transport, the queue
	// bookkeeping and a possible MarkFailed can be correlated.
	ctx := skymail.CidContext(context.Background())
	log := xlog.WithContext(ctx).Fields(mlog.Field("queuemsg", m.ID), mlog.Field("mail", m.MailID), mlog.Field("recipient", m.Recipient), mlog.Field("attempts", m.Attempts))

	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := transport.Deliver(dctx, m)
	cancel()

	now := time.Now()
	if err == nil {
		metrics.DeliveryInc("ok")
		log.Debug("delivered to relay")
		if err := db.Write(ctx, func(tx *bstore.Tx) error {
			return tx.Delete(&Msg{ID: m.ID})
		}); err != nil && !errors.Is(err, bstore.ErrAbsent) {
			log.Errorx("removing delivered queue message", err)
		}
		return
	}

	m.Attempts++
	m.LastAttempt = &now
	m.LastError = err.Error()
	if m.Attempts >= opts.MaxAttempts {
		metrics.DeliveryInc("fail")
		log.Errorx("delivery failed permanently", err)
		if xerr := db.Write(ctx, func(tx *bstore.Tx) error {
			return tx.Delete(&Msg{ID: m.ID})
		}); xerr != nil && !errors.Is(xerr, bstore.ErrAbsent) {
			log.Errorx("removing failed queue message", xerr)
		}
		if opts.OnFail != nil {
			opts.OnFail(ctx, m.OrgID, m.MailID, m.LastError)
		}
		return
	}

	metrics.DeliveryInc("retry")
	m.NextAttempt = now.Add(backoff(m.Attempts))
	log.Infox("delivery attempt failed, will retry", err, mlog.Field("nextattempt", m.NextAttempt))
	if xerr := db.Write(ctx, func(tx *bstore.Tx) error {
		return tx.Update(&m)
	}); xerr != nil {
		log.Errorx("updating queue message after failed attempt", xerr)
	}
}
