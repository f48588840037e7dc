package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-fi/custodia/internal/breaker"
	"github.com/custodia-fi/custodia/internal/closure"
	closurepg "github.com/custodia-fi/custodia/internal/closure/postgres"
	"github.com/custodia-fi/custodia/internal/custodyabi"
	"github.com/custodia-fi/custodia/internal/docstore"
	"github.com/custodia-fi/custodia/internal/envelope"
	"github.com/custodia-fi/custodia/internal/ethdispatch"
	"github.com/custodia-fi/custodia/internal/events"
	"github.com/custodia-fi/custodia/internal/gascredit"
	gascreditpg "github.com/custodia-fi/custodia/internal/gascredit/postgres"
	"github.com/custodia-fi/custodia/internal/httpapi"
	"github.com/custodia-fi/custodia/internal/keys"
	"github.com/custodia-fi/custodia/internal/relay"
	relaypg "github.com/custodia-fi/custodia/internal/relay/postgres"
	"github.com/custodia-fi/custodia/internal/request"
	requestpg "github.com/custodia-fi/custodia/internal/request/postgres"
	"github.com/custodia-fi/custodia/internal/roles"
	"github.com/custodia-fi/custodia/internal/secrets"
	"github.com/custodia-fi/custodia/internal/token"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required; aws:/env: refs allowed)")

		chainID       = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		rpcURL        = flag.String("rpc-url", "", "EVM RPC URL (required)")
		domainName    = flag.String("domain-name", "custodia-relay", "EIP-712 domain name")
		domainVersion = flag.String("domain-version", "1", "EIP-712 domain version")
		domainID      = flag.Uint64("commitment-domain-id", 1, "commitment digest domain id")

		relayerKeyFile = flag.String("relayer-key-file", "", "relayer private key file (created if missing)")
		relayerKeyRef  = flag.String("relayer-key", "", "relayer private key hex (aws:/env: refs allowed)")
		minTipCapWei   = flag.Int64("min-tip-cap-wei", 1_000_000, "EIP-1559 priority fee floor in wei")

		tokenAddr = flag.String("token-address", "", "custodial ERC-20 token address; empty uses the in-memory ledger")

		bearerTokenRef = flag.String("bearer-token", "", "API bearer token for POST endpoints (aws:/env: refs allowed)")

		minAmount       = flag.Uint64("min-amount", 1, "minimum per-recipient reimbursement amount")
		maxAmount       = flag.Uint64("max-amount", 0, "maximum per-recipient reimbursement amount (required)")
		mediumThreshold = flag.Uint64("medium-threshold", 0, "request total that starts the medium withdrawal delay tier (required)")
		largeThreshold  = flag.Uint64("large-threshold", 0, "request total that starts the large withdrawal delay tier (required)")
		mediumDelay     = flag.Duration("medium-delay", 12*time.Hour, "withdrawal delay for medium-tier requests")
		largeDelay      = flag.Duration("large-delay", 24*time.Hour, "withdrawal delay for large-tier requests")
		revealWindow    = flag.Duration("reveal-window", 30*time.Minute, "commit-reveal delay for approvals")

		maxDailyVolume = flag.Uint64("breaker-max-daily-volume", 0, "breaker daily volume cap (0 = unlimited)")
		maxSingleTx    = flag.Uint64("breaker-max-single-amount", 0, "breaker single amount cap (0 = unlimited)")
		churnThreshold = flag.Int("breaker-churn-threshold", breaker.DefaultChurnThreshold, "role churn events that trip the breaker")
		churnWindow    = flag.Duration("breaker-churn-window", breaker.DefaultChurnWindow, "role churn counting window")
		cooldown       = flag.Duration("breaker-cooldown", breaker.DefaultCooldown, "breaker trip cooldown")

		maxTxPerWindow    = flag.Int("relay-max-tx-per-window", relay.DefaultMaxTxPerWindow, "per-sender relay executions per window")
		rateWindow        = flag.Duration("relay-rate-window", relay.DefaultRateLimitWindow, "per-sender relay rate window")
		maxCallsPerTarget = flag.Uint64("relay-max-calls-per-target", relay.DefaultMaxCallsPerTarget, "cumulative call ceiling per whitelisted target")
		gasFloor          = flag.Uint64("relay-gas-floor", relay.DefaultGasFloor, "minimum gas an envelope must carry")
		maxBatch          = flag.Int("relay-max-batch", relay.DefaultMaxBatchSize, "maximum envelopes per batch")

		gasPriceCeiling = flag.Uint64("gas-price-ceiling", 0, "refund claim gas price ceiling (0 = none)")
		defaultMaxPerTx = flag.Uint64("credit-max-per-tx", 0, "default per-claim refund cap (0 = unlimited)")
		defaultDaily    = flag.Uint64("credit-daily-limit", 0, "default daily refund cap (0 = unlimited)")

		eventsDriver  = flag.String("events-driver", events.DriverKafka, "audit event driver (kafka|stdio)")
		eventsBrokers = flag.String("events-brokers", "", "kafka brokers for audit events (comma-separated); empty disables publishing")
		eventsTopic   = flag.String("events-topic", "custodia.audit.v1", "audit event topic")

		docsDriver = flag.String("docs-driver", docstore.DriverMemory, "document store driver (memory|s3)")
		docsBucket = flag.String("docs-bucket", "", "S3 bucket for supporting documents")
		docsPrefix = flag.String("docs-prefix", "custodia/documents", "object key prefix for supporting documents")

		adminsList     = flag.String("admins", "", "admin addresses (comma-separated, required)")
		requestersList = flag.String("requesters", "", "requester addresses (comma-separated)")
		secretaryList  = flag.String("secretaries", "", "secretary addresses (comma-separated)")
		committeeList  = flag.String("committee", "", "committee addresses (comma-separated)")
		financeList    = flag.String("finance", "", "finance addresses (comma-separated)")
		directorList   = flag.String("directors", "", "director addresses (comma-separated)")
		relayerList    = flag.String("relayers", "", "authorized refund relayer addresses (comma-separated)")
		targetList     = flag.String("targets", "", "initially whitelisted target contracts (comma-separated)")

		custodyTarget = flag.String("custody-target", "0x00000000000000000000000000000000000000C1", "virtual address envelopes use to reach the custody engine")
		closureTarget = flag.String("closure-target", "0x00000000000000000000000000000000000000C2", "virtual address envelopes use to reach the closure engine")
		creditsTarget = flag.String("credits-target", "0x00000000000000000000000000000000000000C3", "virtual address envelopes use to reach the gas-credit ledger")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *chainID == 0 || *rpcURL == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --chain-id, and --rpc-url are required")
		os.Exit(2)
	}
	if *maxAmount == 0 || *mediumThreshold == 0 || *largeThreshold < *mediumThreshold {
		fmt.Fprintln(os.Stderr, "error: --max-amount, --medium-threshold, and --large-threshold must be set with medium <= large")
		os.Exit(2)
	}
	if strings.TrimSpace(*adminsList) == "" {
		fmt.Fprintln(os.Stderr, "error: --admins is required")
		os.Exit(2)
	}
	if strings.TrimSpace(*relayerKeyFile) == "" && strings.TrimSpace(*relayerKeyRef) == "" {
		fmt.Fprintln(os.Stderr, "error: one of --relayer-key-file or --relayer-key is required")
		os.Exit(2)
	}
	if strings.TrimSpace(*relayerKeyFile) != "" && strings.TrimSpace(*relayerKeyRef) != "" {
		fmt.Fprintln(os.Stderr, "error: use only one of --relayer-key-file or --relayer-key")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := secrets.NewResolver()

	dsn, err := resolver.Resolve(ctx, *postgresDSN)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}
	bearerToken, err := resolver.Resolve(ctx, *bearerTokenRef)
	if err != nil {
		log.Error("resolve bearer token", "err", err)
		os.Exit(2)
	}

	relayerKey, err := loadRelayerKey(ctx, resolver, *relayerKeyFile, *relayerKeyRef, log)
	if err != nil {
		log.Error("load relayer key", "err", err)
		os.Exit(2)
	}
	relayerAddr := keys.AddressOf(relayerKey)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	requestStore, err := requestpg.New(pool)
	if err != nil {
		log.Error("init request store", "err", err)
		os.Exit(2)
	}
	if err := requestStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure request schema", "err", err)
		os.Exit(2)
	}

	creditStore, err := gascreditpg.New(pool)
	if err != nil {
		log.Error("init gas credit store", "err", err)
		os.Exit(2)
	}
	if err := creditStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure gas credit schema", "err", err)
		os.Exit(2)
	}

	closureStore, err := closurepg.New(pool)
	if err != nil {
		log.Error("init closure store", "err", err)
		os.Exit(2)
	}
	if err := closureStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure closure schema", "err", err)
		os.Exit(2)
	}

	nonceStore, err := relaypg.New(pool)
	if err != nil {
		log.Error("init relay nonce store", "err", err)
		os.Exit(2)
	}
	if err := nonceStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure relay nonce schema", "err", err)
		os.Exit(2)
	}

	var emitter *events.Emitter
	if strings.TrimSpace(*eventsBrokers) != "" || *eventsDriver == events.DriverStdio {
		producer, producerErr := events.NewProducer(events.ProducerConfig{
			Driver:  *eventsDriver,
			Brokers: events.SplitCommaList(*eventsBrokers),
		})
		if producerErr != nil {
			log.Error("init event producer", "err", producerErr)
			os.Exit(2)
		}
		defer producer.Close()
		emitter, err = events.NewEmitter(producer, *eventsTopic, time.Now)
		if err != nil {
			log.Error("init event emitter", "err", err)
			os.Exit(2)
		}
		log.Info("audit events enabled", "driver", *eventsDriver, "topic", *eventsTopic)
	}

	brk, err := breaker.New(breaker.Config{
		MaxDailyVolume:    *maxDailyVolume,
		MaxSingleTxAmount: *maxSingleTx,
		ChurnThreshold:    *churnThreshold,
		ChurnWindow:       *churnWindow,
		Cooldown:          *cooldown,
	})
	if err != nil {
		log.Error("init breaker", "err", err)
		os.Exit(2)
	}
	tbl := roles.NewTable(brk.RecordRoleChurn)
	if err := bootstrapRoles(tbl, map[roles.Role]string{
		roles.RoleAdmin:     *adminsList,
		roles.RoleRequester: *requestersList,
		roles.RoleSecretary: *secretaryList,
		roles.RoleCommittee: *committeeList,
		roles.RoleFinance:   *financeList,
		roles.RoleDirector:  *directorList,
		roles.RoleRelayer:   *relayerList,
	}); err != nil {
		log.Error("bootstrap roles", "err", err)
		os.Exit(2)
	}

	ethClient, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "err", err)
		os.Exit(2)
	}
	defer ethClient.Close()

	dispatcher, err := ethdispatch.New(ethClient, ethdispatch.NewLocalSigner(relayerKey), ethdispatch.Config{
		ChainID:   new(big.Int).SetUint64(*chainID),
		MinTipCap: big.NewInt(*minTipCapWei),
	})
	if err != nil {
		log.Error("init dispatcher", "err", err)
		os.Exit(2)
	}

	var custodial token.Ledger
	if strings.TrimSpace(*tokenAddr) != "" {
		addr, parseErr := keys.ParseAddress(*tokenAddr)
		if parseErr != nil {
			log.Error("parse token address", "err", parseErr)
			os.Exit(2)
		}
		custodial, err = token.NewERC20Ledger(dispatcher, addr, relayerAddr)
		if err != nil {
			log.Error("init erc20 ledger", "err", err)
			os.Exit(2)
		}
	} else {
		log.Warn("using in-memory custodial ledger; payouts are not on-chain")
		custodial = token.NewMemoryLedger()
	}

	engine, err := request.NewEngine(request.Config{
		DomainID:        *domainID,
		MinAmount:       *minAmount,
		MaxAmount:       *maxAmount,
		MediumThreshold: *mediumThreshold,
		LargeThreshold:  *largeThreshold,
		MediumDelay:     *mediumDelay,
		LargeDelay:      *largeDelay,
		RevealWindow:    *revealWindow,
	}, tbl, brk, custodial, requestStore, emitter)
	if err != nil {
		log.Error("init request engine", "err", err)
		os.Exit(2)
	}
	if err := engine.Restore(ctx); err != nil {
		log.Error("restore request engine", "err", err)
		os.Exit(2)
	}

	closures, err := closure.NewEngine(closure.Config{
		DomainID:     *domainID,
		RevealWindow: *revealWindow,
	}, tbl, engine, closureStore, emitter)
	if err != nil {
		log.Error("init closure engine", "err", err)
		os.Exit(2)
	}
	if err := closures.Restore(ctx); err != nil {
		log.Error("restore closure engine", "err", err)
		os.Exit(2)
	}

	credits, err := gascredit.NewLedger(gascredit.Config{
		GasPriceCeiling:          *gasPriceCeiling,
		DefaultMaxPerTransaction: *defaultMaxPerTx,
		DefaultDailyLimit:        *defaultDaily,
	}, tbl, custodial, creditStore, emitter)
	if err != nil {
		log.Error("init gas credit ledger", "err", err)
		os.Exit(2)
	}
	if err := credits.Restore(ctx); err != nil {
		log.Error("restore gas credit ledger", "err", err)
		os.Exit(2)
	}

	routerTargets, err := parseRouterTargets(*custodyTarget, *closureTarget, *creditsTarget)
	if err != nil {
		log.Error("parse router targets", "err", err)
		os.Exit(2)
	}
	router, err := custodyabi.NewRouter(routerTargets, engine, closures, credits, dispatcher)
	if err != nil {
		log.Error("init call router", "err", err)
		os.Exit(2)
	}

	domain := envelope.Domain{
		Name:           *domainName,
		Version:        *domainVersion,
		ChainID:        *chainID,
		VerifyingRelay: relayerAddr,
	}
	rly, err := relay.New(relay.Config{
		Domain:            domain,
		MaxTxPerWindow:    *maxTxPerWindow,
		RateLimitWindow:   *rateWindow,
		MaxCallsPerTarget: *maxCallsPerTarget,
		GasFloor:          *gasFloor,
		MaxBatchSize:      *maxBatch,
	}, tbl, router, nonceStore, emitter)
	if err != nil {
		log.Error("init relay", "err", err)
		os.Exit(2)
	}
	if err := rly.Restore(ctx); err != nil {
		log.Error("restore relay nonces", "err", err)
		os.Exit(2)
	}
	if err := bootstrapTargets(rly, *adminsList, *targetList, routerTargets); err != nil {
		log.Error("bootstrap targets", "err", err)
		os.Exit(2)
	}

	docs, err := newDocStore(ctx, *docsDriver, *docsBucket, *docsPrefix)
	if err != nil {
		log.Error("init document store", "err", err)
		os.Exit(2)
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		ChainID:                 *chainID,
		RelayAddress:            relayerAddr,
		BearerToken:             bearerToken,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
	}, httpapi.Services{
		Relay:     rly,
		Requests:  engine,
		Closures:  closures,
		Credits:   credits,
		Documents: docs,
	})
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
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
		log.Info("custodia-api listening", "addr", *listenAddr, "chainID", *chainID, "relayer", relayerAddr.Hex())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadRelayerKey(ctx context.Context, resolver *secrets.Resolver, keyFile, keyRef string, log *slog.Logger) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(keyFile) != "" {
		key, created, err := keys.EnsureRelayerKeyFile(keyFile)
		if err != nil {
			return nil, err
		}
		if created {
			log.Info("generated relayer key", "path", keyFile, "address", keys.AddressOf(key).Hex())
		}
		return key, nil
	}
	hexKey, err := resolver.Resolve(ctx, keyRef)
	if err != nil {
		return nil, err
	}
	return keys.ParsePrivateKeyHex(hexKey)
}

func bootstrapRoles(tbl *roles.Table, grants map[roles.Role]string) error {
	for role, list := range grants {
		addrs, err := keys.ParseAddressList(list)
		if err != nil {
			return fmt.Errorf("parse %s list: %w", role, err)
		}
		for _, a := range addrs {
			if err := tbl.Grant(a, role); err != nil {
				return fmt.Errorf("grant %s to %s: %w", role, a.Hex(), err)
			}
		}
	}
	return nil
}

func parseRouterTargets(custody, closure, credits string) (custodyabi.Targets, error) {
	var out custodyabi.Targets
	var err error
	if out.Custody, err = keys.ParseAddress(custody); err != nil {
		return custodyabi.Targets{}, fmt.Errorf("parse custody target: %w", err)
	}
	if out.Closure, err = keys.ParseAddress(closure); err != nil {
		return custodyabi.Targets{}, fmt.Errorf("parse closure target: %w", err)
	}
	if out.Credits, err = keys.ParseAddress(credits); err != nil {
		return custodyabi.Targets{}, fmt.Errorf("parse credits target: %w", err)
	}
	return out, nil
}

func bootstrapTargets(rly *relay.Relay, admins, targets string, router custodyabi.Targets) error {
	adminAddrs, err := keys.ParseAddressList(admins)
	if err != nil || len(adminAddrs) == 0 {
		return fmt.Errorf("parse admins: %w", err)
	}
	targetAddrs, err := keys.ParseAddressList(targets)
	if err != nil {
		return fmt.Errorf("parse targets: %w", err)
	}
	targetAddrs = append(targetAddrs, router.Custody, router.Closure, router.Credits)
	for _, t := range targetAddrs {
		if err := rly.AddTarget(adminAddrs[0], t); err != nil {
			return fmt.Errorf("whitelist %s: %w", t.Hex(), err)
		}
	}
	return nil
}

func newDocStore(ctx context.Context, driver, bucket, prefix string) (docstore.Store, error) {
	cfg := docstore.Config{
		Driver: driver,
		Prefix: prefix,
		Bucket: bucket,
	}
	if docstore.DriverS3 == strings.TrimSpace(strings.ToLower(driver)) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return docstore.New(cfg)
}
