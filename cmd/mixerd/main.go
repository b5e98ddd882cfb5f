package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/blobstore"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/ledger"
	ledgerbolt "github.com/solanon/mixer/internal/ledger/bolt"
	ledgerpg "github.com/solanon/mixer/internal/ledger/postgres"
	"github.com/solanon/mixer/internal/mixer"
	"github.com/solanon/mixer/internal/mixerapi"
	"github.com/solanon/mixer/internal/queue"
	"github.com/solanon/mixer/internal/secrets"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		storeDriver = flag.String("store-driver", "memory", "ledger store driver: memory|postgres|bolt")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN or secret reference env:NAME|aws:ID (required when --store-driver=postgres)")
		boltPath    = flag.String("bolt-path", "mixer.db", "bbolt file path (used when --store-driver=bolt)")

		programID      = flag.String("program-id", "", "mixer program address, base58 (required)")
		ledgerAddr     = flag.String("ledger-address", "", "ledger account address, base58 (required)")
		ledgerCapacity = flag.Int("ledger-capacity-bytes", ledger.DefaultCapacityBytes, "ledger account size in bytes")

		intermediateSpace  = flag.Uint64("intermediate-space", 8, "data size of allocated intermediate accounts (bytes)")
		strictDestinations = flag.Bool("strict-destinations", false, "reject mix batches whose destination accounts differ from the item destinations")
		enableAirdrop      = flag.Bool("enable-airdrop", false, "expose POST /v1/airdrop (development only)")
		maxAirdrop         = flag.Uint64("max-airdrop", 10_000_000_000, "largest single airdrop in lamports")

		trustedCallers       = flag.Bool("trusted-callers", false, "accept unsigned deposit and mix requests (only behind an authenticating proxy)")
		maxSignatureLifetime = flag.Duration("max-signature-lifetime", 2*time.Minute, "latest expiry a signed request may carry, relative to now")
		replayCacheEntries   = flag.Int("replay-cache-max-entries", 100_000, "maximum remembered request signatures")

		eventsDriver    = flag.String("events-driver", "none", "event publisher: none|kafka|stdio")
		queueBrokers    = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		depositTopic    = flag.String("deposit-topic", events.DefaultDepositTopic, "deposit event topic")
		withdrawalTopic = flag.String("withdrawal-topic", events.DefaultWithdrawalTopic, "withdrawal event topic")
		routeTopic      = flag.String("route-topic", events.DefaultRouteTopic, "route event topic")

		snapshotBucket   = flag.String("snapshot-bucket", "", "S3 bucket for ledger snapshots; empty disables snapshots")
		snapshotPrefix   = flag.String("snapshot-prefix", "mixer", "S3 key prefix for ledger snapshots")
		snapshotInterval = flag.Duration("snapshot-interval", time.Minute, "interval between ledger snapshots")
		restoreSnapshot  = flag.Bool("restore-snapshot", false, "load the latest bank snapshot and replay the latest ledger snapshot into a fresh ledger on startup")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *programID == "" || *ledgerAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --program-id and --ledger-address are required")
		os.Exit(2)
	}
	program, err := address.Parse(*programID)
	if err != nil || program.IsZero() {
		fmt.Fprintln(os.Stderr, "error: --program-id must be a non-zero base58 address")
		os.Exit(2)
	}
	ledgerID, err := address.Parse(*ledgerAddr)
	if err != nil || ledgerID.IsZero() {
		fmt.Fprintln(os.Stderr, "error: --ledger-address must be a non-zero base58 address")
		os.Exit(2)
	}
	if *ledgerCapacity < ledger.HeaderBytes || *ledgerCapacity > ledger.MaxCapacityBytes {
		fmt.Fprintf(os.Stderr, "error: --ledger-capacity-bytes must be in [%d, %d]\n", ledger.HeaderBytes, ledger.MaxCapacityBytes)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *maxSignatureLifetime <= 0 || *replayCacheEntries <= 0 {
		fmt.Fprintln(os.Stderr, "error: signature settings must be > 0")
		os.Exit(2)
	}
	if *snapshotBucket != "" && *snapshotInterval <= 0 {
		fmt.Fprintln(os.Stderr, "error: --snapshot-interval must be > 0")
		os.Exit(2)
	}
	if *restoreSnapshot && *snapshotBucket == "" {
		fmt.Fprintln(os.Stderr, "error: --restore-snapshot requires --snapshot-bucket")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store ledger.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "memory":
		store = ledger.NewMemoryStore()
	case "bolt":
		bs, err := ledgerbolt.Open(*boltPath)
		if err != nil {
			log.Error("open bolt ledger store", "err", err)
			os.Exit(2)
		}
		defer bs.Close()
		store = bs
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		dsn, err := secrets.NewResolver().Resolve(ctx, *postgresDSN)
		if err != nil {
			log.Error("resolve postgres dsn", "err", err)
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		ps, err := ledgerpg.New(pool)
		if err != nil {
			log.Error("init ledger store", "err", err)
			os.Exit(2)
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			log.Error("ensure ledger schema", "err", err)
			os.Exit(2)
		}
		store = ps
	default:
		fmt.Fprintln(os.Stderr, "error: --store-driver must be memory|postgres|bolt")
		os.Exit(2)
	}

	var notifier mixer.Notifier
	if d := strings.ToLower(strings.TrimSpace(*eventsDriver)); d != "none" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  d,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		pub, err := events.NewPublisher(producer, events.Topics{
			Deposits:    *depositTopic,
			Withdrawals: *withdrawalTopic,
			Routes:      *routeTopic,
		}, log.With("component", "events"))
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		notifier = pub
		log.Info("event publishing enabled", "driver", d, "depositTopic", *depositTopic, "withdrawalTopic", *withdrawalTopic, "routeTopic", *routeTopic)
	}

	var snapshots blobstore.Store
	if *snapshotBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		snapshots, err = blobstore.New(blobstore.Config{
			Driver:   blobstore.DriverS3,
			Bucket:   *snapshotBucket,
			Prefix:   *snapshotPrefix,
			S3Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			log.Error("init snapshot store", "err", err)
			os.Exit(2)
		}
	}

	bank, err := accounts.NewBank(accounts.DefaultRent)
	if err != nil {
		log.Error("init bank", "err", err)
		os.Exit(2)
	}
	prog, err := mixer.New(mixer.Config{
		ProgramID:           program,
		IntermediateSpace:   *intermediateSpace,
		EnforceDestinations: *strictDestinations,
	}, store, bank, notifier, log.With("component", "mixer"))
	if err != nil {
		log.Error("init mixer", "err", err)
		os.Exit(2)
	}

	// The bank lives in memory; its balances survive a restart only through
	// snapshots, and must be restored before InitLedger registers the vault.
	if *restoreSnapshot {
		restored, err := restoreBank(ctx, bank, snapshots, ledgerID)
		if err != nil {
			log.Error("restore bank snapshot", "err", err)
			os.Exit(2)
		}
		if restored {
			log.Info("bank restored", "ledger", ledgerID.String(), "slot", bank.Slot())
		}
	}

	st, created, err := prog.InitLedger(ctx, ledgerID, *ledgerCapacity)
	if err != nil {
		log.Error("init ledger", "err", err)
		os.Exit(2)
	}
	if created && *restoreSnapshot {
		restored, err := restoreLedger(ctx, store, snapshots, ledgerID)
		if err != nil {
			log.Error("restore ledger snapshot", "err", err)
			os.Exit(2)
		}
		if restored {
			st, _ = prog.Ledger(ctx, ledgerID)
		}
	}
	if st.CapacityBytes != *ledgerCapacity {
		log.Warn("existing ledger capacity differs from flag", "ledger", ledgerID.String(), "capacity_bytes", st.CapacityBytes, "flag", *ledgerCapacity)
	}

	if snapshots != nil {
		go runSnapshots(ctx, snapshots, prog, ledgerID, *snapshotInterval, log.With("component", "snapshots"))
	}

	handler, err := mixerapi.NewHandler(mixerapi.Config{
		Ledger:                  ledgerID,
		EnableAirdrop:           *enableAirdrop,
		MaxAirdrop:              *maxAirdrop,
		TrustedCallers:          *trustedCallers,
		MaxSignatureLifetime:    *maxSignatureLifetime,
		ReplayCacheMaxEntries:   *replayCacheEntries,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, prog)
	if err != nil {
		log.Error("init mixer api handler", "err", err)
		os.Exit(2)
	}

	if *trustedCallers {
		log.Warn("accepting unsigned deposit and mix requests", "flag", "--trusted-callers")
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mixerd listening",
			"addr", *listenAddr,
			"program", program.String(),
			"ledger", ledgerID.String(),
			"store", *storeDriver,
			"commitments", len(st.Commitments),
			"nullifiers", len(st.Nullifiers),
			"airdrop", *enableAirdrop,
			"trustedCallers", *trustedCallers,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if snapshots != nil {
		if err := snapshotOnce(shutdownCtx, snapshots, prog, ledgerID, log.With("component", "snapshots")); err != nil {
			log.Error("final snapshot", "err", err)
		}
	}
}
