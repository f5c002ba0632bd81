package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/bstore"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func newTestDB(t *testing.T) *bstore.DB {
	t.Helper()
	p := filepath.Join(t.TempDir(), "queue.db")
	db, err := bstore.Open(ctxbg, p, &bstore.Options{Timeout: 5 * time.Second}, DBTypes...)
	tcheck(t, err, "open database")
	t.Cleanup(func() {
		err := db.Close()
		tcheck(t, err, "closing database")
	})
	return db
}

// testTransport records deliveries and fails them with err when set.
type testTransport struct {
	err        error
	deliveries []Msg
}

func (tr *testTransport) Deliver(ctx context.Context, m Msg) error {
	tr.deliveries = append(tr.deliveries, m)
	return tr.err
}

func TestAddListRemove(t *testing.T) {
	db := newTestDB(t)

	err := db.Write(ctxbg, func(tx *bstore.Tx) error {
		return Add(tx, "m1", 1, []string{"a@elsewhere.example", "b@elsewhere.example"})
	})
	tcheck(t, err, "adding queue messages")

	l, err := List(ctxbg, db)
	tcheck(t, err, "listing queue")
	if len(l) != 2 {
		t.Fatalf("got %d messages, expected 2", len(l))
	}
	for _, m := range l {
		if m.MailID != "m1" || m.OrgID != 1 || m.Attempts != 0 || m.Hold {
			t.Fatalf("unexpected queue message: %#v", m)
		}
	}
	n, err := Count(ctxbg, db)
	tcheck(t, err, "counting queue")
	if n != 2 {
		t.Fatalf("got count %d, expected 2", n)
	}

	// No recipients, no rows.
	err = db.Write(ctxbg, func(tx *bstore.Tx) error {
		return Add(tx, "m2", 1, nil)
	})
	tcheck(t, err, "adding empty recipient list")
	n, err = Count(ctxbg, db)
	tcheck(t, err, "counting queue")
	if n != 2 {
		t.Fatalf("got count %d, expected 2", n)
	}

	err = db.Write(ctxbg, func(tx *bstore.Tx) error {
		return RemoveMail(tx, "m1")
	})
	tcheck(t, err, "removing mail from queue")
	n, err = Count(ctxbg, db)
	tcheck(t, err, "counting queue")
	if n != 0 {
		t.Fatalf("got count %d after remove, expected 0", n)
	}
}

func TestBackoff(t *testing.T) {
	got := []time.Duration{backoff(0), backoff(1), backoff(2), backoff(3), backoff(4)}
	exp := []time.Duration{time.Minute, time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i := range got {
		if got[i] != exp[i] {
			t.Fatalf("backoff(%d) = %v, expected %v", i, got[i], exp[i])
		}
	}
	if d := backoff(100); d != 16*time.Hour {
		t.Fatalf("backoff(100) = %v, expected cap of 16h", d)
	}
}

func TestDeliverSuccess(t *testing.T) {
	db := newTestDB(t)
	err := db.Write(ctxbg, func(tx *bstore.Tx) error {
		return Add(tx, "m1", 1, []string{"a@elsewhere.example"})
	})
	tcheck(t, err, "adding queue message")
	l, err := List(ctxbg, db)
	tcheck(t, err, "listing queue")

	tr := &testTransport{}
	deliver(db, tr, Options{MaxAttempts: 8}, l[0])
	if len(tr.deliveries) != 1 || tr.deliveries[0].Recipient != "a@elsewhere.example" {
		t.Fatalf("unexpected deliveries: %#v", tr.deliveries)
	}
	n, err := Count(ctxbg, db)
	tcheck(t, err, "counting queue")
	if n != 0 {
		t.Fatalf("delivered message still queued")
	}
}

func TestDeliverRetry(t *testing.T) {
	db := newTestDB(t)
	err := db.Write(ctxbg, func(tx *bstore.Tx) error {
		return Add(tx, "m1", 1, []string{"a@elsewhere.example"})
	})
	tcheck(t, err, "adding queue message")
	l, err := List(ctxbg, db)
	tcheck(t, err, "listing queue")

	tr := &testTransport{err: errors.New("connection refused")}
	before := time.Now()
	deliver(db, tr, Options{MaxAttempts: 8}, l[0])

	l, err = List(ctxbg, db)
	tcheck(t, err, "listing queue")
	if len(l) != 1 {
		t.Fatalf("got %d messages after failed attempt, expected 1", len(l))
	}
	m := l[0]
	if m.Attempts != 1 || m.LastError != "connection refused" || m.LastAttempt == nil {
		t.Fatalf("unexpected message after failed attempt: %#v", m)
	}
	// First retry comes after one minute of backoff.
	if m.NextAttempt.Before(before.Add(time.Minute)) || m.NextAttempt.After(time.Now().Add(2*time.Minute)) {
		t.Fatalf("unexpected next attempt %v", m.NextAttempt)
	}
}

func TestDeliverPermanentFailure(t *testing.T) {
	db := newTestDB(t)
	m := Msg{MailID: "m1", OrgID: 7, Recipient: "a@elsewhere.example", Queued: time.Now(), NextAttempt: time.Now(), Attempts: 7}
	err := db.Insert(ctxbg, &m)
	tcheck(t, err, "inserting queue message")

	var failedOrg int64
	var failedMail, failedReason string
	opts := Options{
		MaxAttempts: 8,
		OnFail: func(ctx context.Context, orgID int64, mailID, reason string) {
			failedOrg, failedMail, failedReason = orgID, mailID, reason
		},
	}
	tr := &testTransport{err: errors.New("550 no such user")}
	deliver(db, tr, opts, m)

	n, err := Count(ctxbg, db)
	tcheck(t, err, "counting queue")
	if n != 0 {
		t.Fatalf("given up message still queued")
	}
	if failedOrg != 7 || failedMail != "m1" || failedReason != "550 no such user" {
		t.Fatalf("unexpected failure callback: org %d mail %q reason %q", failedOrg, failedMail, failedReason)
	}
}

func TestHold(t *testing.T) {
	db := newTestDB(t)
	err := db.Write(ctxbg, func(tx *bstore.Tx) error {
		return Add(tx, "m1", 1, []string{"a@elsewhere.example"})
	})
	tcheck(t, err, "adding queue message")
	l, err := List(ctxbg, db)
	tcheck(t, err, "listing queue")

	err = SetHold(ctxbg, db, l[0].ID, true)
	tcheck(t, err, "holding message")

	// Held messages are not picked up even when due.
	tr := &testTransport{}
	launchWork(db, tr, Options{MaxAttempts: 8}, make(chan struct{}))
	if len(tr.deliveries) != 0 {
		t.Fatalf("held message was delivered")
	}

	err = SetHold(ctxbg, db, l[0].ID, false)
	tcheck(t, err, "releasing message")
	launchWork(db, tr, Options{MaxAttempts: 8}, make(chan struct{}))
	if len(tr.deliveries) != 1 {
		t.Fatalf("released message was not delivered")
	}

	err = SetHold(ctxbg, db, l[0].ID+999, true)
	if !errors.Is(err, bstore.ErrAbsent) {
		t.Fatalf("holding unknown message: got %v, expected ErrAbsent", err)
	}
}

func TestKick(t *testing.T) {
	// Kick never blocks, even without a running delivery loop.
	Kick()
	Kick()
	select {
	case <-kick:
	default:
		t.Fatalf("kick channel empty after Kick")
	}
}
