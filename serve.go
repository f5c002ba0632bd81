package main

import (
	"context"
	"errors"
	golog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moon4656/skyboot.mail2-sub003/mlog"
	"github.com/moon4656/skyboot.mail2-sub003/queue"
	"github.com/moon4656/skyboot.mail2-sub003/skymail-"
	"github.com/moon4656/skyboot.mail2-sub003/store"
)

// relayTransport hands queued mail for external recipients to the relay.
// This implementation only logs the handoff and reports success; a deployment
// fronts it with an actual smarthost client.
type relayTransport struct {
	log *mlog.Log
}

func (t relayTransport) Deliver(ctx context.Context, m queue.Msg) error {
	t.log.Info("relaying mail", mlog.Field("mail", m.MailID), mlog.Field("recipient", m.Recipient))
	return nil
}

func cmdServe(c *cmd) {
	c.help = `Start skymail, serving the mail store, relay queue and metrics.

Opens the database in the configured data directory and starts the delivery
loop that relays mail addressed outside the org. Mail enters through the
store API and the skymail subcommands; skymail does not speak SMTP itself,
external recipients are handed to a relay transport.

When AdminListener is configured, Prometheus metrics are served on
/metrics. A SIGINT or SIGTERM triggers a graceful shutdown.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	skymail.MustLoadConfig()
	log := c.log

	log.Print("starting up", mlog.Field("version", version), mlog.Field("datadir", skymail.DataDir()))

	s, err := store.Open(skymail.Shutdown, skymail.DataDir())
	xcheckf(err, "opening store")
	s.DailySendLimit = skymail.Conf.Static.DailySendLimit

	queue.Launch(s.DB, relayTransport{c.log}, queue.Options{
		MaxAttempts: skymail.Conf.Static.QueueMaxAttempts,
		OnFail: func(ctx context.Context, orgID int64, mailID, reason string) {
			err := s.MarkFailed(ctx, orgID, mailID, reason)
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				// Mail already failed or was removed in the meantime.
				err = nil
			}
			log.Check(err, "marking mail failed after relay gave up", mlog.Field("mail", mailID))
		},
	}, skymail.Shutdown.Done())

	if addr := skymail.Conf.Static.AdminListener; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Handler:  mux,
			ErrorLog: golog.New(mlog.ErrWriter(log, mlog.LevelDebug, "admin http error"), "", 0),
		}
		ln, err := net.Listen("tcp", addr)
		xcheckf(err, "listening on admin address %s", addr)
		log.Print("admin listener", mlog.Field("addr", ln.Addr()))
		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalx("serving admin listener", err)
			}
		}()
		go func() {
			<-skymail.Shutdown.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			err := srv.Shutdown(ctx)
			log.Check(err, "shutting down admin listener")
		}()
	}

	// Graceful shutdown.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down", mlog.Field("signal", sig))
	skymail.ShutdownCancel()
	// Give an in-flight relay delivery a moment to settle. Queue work is
	// recorded in the database and is redone on the next start.
	time.Sleep(time.Second)
	err = s.Close()
	log.Check(err, "closing store")
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	} else {
		os.Exit(1)
	}
}
