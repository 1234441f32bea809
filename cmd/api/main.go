package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njangipay/ledgercore/internal/config"
	"github.com/njangipay/ledgercore/internal/feed"
	"github.com/njangipay/ledgercore/internal/fees"
	"github.com/njangipay/ledgercore/internal/httpapi"
	"github.com/njangipay/ledgercore/internal/ledger"
	"github.com/njangipay/ledgercore/internal/obs"
	"github.com/njangipay/ledgercore/internal/payment"
	"github.com/njangipay/ledgercore/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres when a DSN is configured, in-memory otherwise.
	var (
		svc          ledger.Service
		paymentStore payment.Store
		probe        httpapi.ReadyProbe
		closeStore   = func() {}
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = store
		paymentStore = pg.NewPaymentStore(store.DB())
		probe = httpapi.ReadyProbe{DB: store.DB()}
		closeStore = func() { _ = store.Close() }
	} else {
		mem := ledger.NewInMemory()
		svc = mem
		paymentStore = payment.NewMemoryStore(mem)
	}

	var machineOpts []payment.Option
	if cfg.FeeBps > 0 {
		machineOpts = append(machineOpts, payment.WithFees(fees.Schedule{
			fees.Percent{Bps: cfg.FeeBps},
		}))
	}
	machine := payment.NewMachine(paymentStore, machineOpts...)

	journalFeed := feed.New()
	api := httpapi.New(svc, machine, probe, version, httpapi.WithFeed(journalFeed))

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), cfg.RateBurst, cfg.RatePerSecond),
					1<<20,
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting ledgercore-api %s on %s (env=%s)", version, srv.Addr, cfg.Env)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	closeStore()
	log.Println("Stopped")
}
