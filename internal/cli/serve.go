package cli

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeJamon/goOPRd/internal/auth"
	"github.com/LeJamon/goOPRd/internal/client"
	"github.com/LeJamon/goOPRd/internal/config"
	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/feed"
	"github.com/LeJamon/goOPRd/internal/core/listing"
	"github.com/LeJamon/goOPRd/internal/core/model"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/logging"
	"github.com/LeJamon/goOPRd/internal/server"
	"github.com/LeJamon/goOPRd/internal/storage"
	"github.com/LeJamon/goOPRd/internal/storage/pebblestore"
	"github.com/LeJamon/goOPRd/internal/storage/sqlstore"
)

var standalone bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the federation node",
	Long: `Run the federation API server and the producer ingest loops for
every configured host until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	}
	serveCmd.Flags().BoolVar(&standalone, "standalone", false,
		"run against in-memory storage, losing everything on exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStorage(cfg, logger)
	if err != nil {
		return err
	}
	if err := store.Open(ctx); err != nil {
		return err
	}
	defer store.Close(context.Background())

	httpClient := &http.Client{Timeout: 30 * time.Second}
	orgs := auth.NewHTTPOrgResolver(httpClient)
	keys := auth.NewKeyProvider(orgs, httpClient)
	chainVerifier := reshare.NewVerifier(keys, nil)
	bearerVerifier := auth.NewVerifier(keys, nil)

	var hosts []*server.Host
	var ingestors []*feed.Ingestor
	for i := range cfg.Hosts {
		hc := &cfg.Hosts[i]
		host, ing, err := buildHost(cfg, hc, store, chainVerifier, bearerVerifier,
			orgs, httpClient, logger)
		if err != nil {
			return fmt.Errorf("host %q: %w", hc.Name, err)
		}
		hosts = append(hosts, host)
		if ing != nil {
			ingestors = append(ingestors, ing)
		}
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Hosts:         hosts,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	for _, ing := range ingestors {
		ing.Start()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	for _, ing := range ingestors {
		ing.Stop()
	}
	return srv.Shutdown(context.Background())
}

func buildStorage(cfg *config.Config, logger logging.Logger) (storage.Storage, error) {
	if standalone {
		return pebblestore.NewInMemory(pebblestore.WithLogger(logger)), nil
	}
	switch cfg.Database.Driver {
	case "pebble":
		return pebblestore.New(cfg.ResolvePath(cfg.Database.Path),
			pebblestore.WithLogger(logger)), nil
	case "sqlite":
		return sqlstore.New(sqlstore.Config{
			Driver:       sqlstore.DriverSQLite,
			DSN:          cfg.ResolvePath(cfg.Database.Path),
			MaxOpenConns: cfg.Database.MaxOpenConns,
		}, sqlstore.WithLogger(logger))
	case "postgres":
		return sqlstore.New(sqlstore.Config{
			Driver:       sqlstore.DriverPostgres,
			DSN:          cfg.Database.PostgresDSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
		}, sqlstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildHost(cfg *config.Config, hc *config.HostConfig, store storage.Storage,
	chainVerifier *reshare.Verifier, bearerVerifier *auth.Verifier,
	orgs auth.OrgResolver, httpClient *http.Client,
	logger logging.Logger) (*server.Host, *feed.Ingestor, error) {

	key, err := loadPrivateKey(cfg.ResolvePath(hc.KeyFile))
	if err != nil {
		return nil, nil, err
	}
	signer := reshare.NewLocalKeySigner(hc.OrgURL, hc.KeyID, key, nil)
	issuer := auth.NewTokenIssuer(hc.OrgURL, hc.KeyID, key, nil)
	changeBus := bus.New(bus.WithLogger(logger))

	mdl, err := model.New(model.Config{
		HostOrgURL:                hc.OrgURL,
		Storage:                   store,
		Signer:                    signer,
		Verifier:                  chainVerifier,
		Policy:                    policyFor(hc),
		Bus:                       changeBus,
		Logger:                    logger,
		InternalChecks:            hc.InternalChecks,
		EarliestNextRequestMillis: hc.EarliestNextRequestSecs * 1000,
	})
	if err != nil {
		return nil, nil, err
	}

	var ing *feed.Ingestor
	if len(hc.Producers) > 0 {
		peerClient, err := client.New(client.Config{
			HTTP:   httpClient,
			Issuer: issuer,
			Orgs:   orgs,
			Bus:    changeBus,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		var producers []feed.Producer
		for _, pc := range hc.Producers {
			producers = append(producers, client.NewFeedProducer(peerClient, pc.OrgURL, pc.MaxPages))
		}
		ing, err = feed.NewIngestor(feed.Config{
			Storage:        store,
			Model:          mdl,
			Producers:      producers,
			PollInterval:   cfg.Feed.PollInterval(),
			RequestTimeout: cfg.Feed.RequestTimeout(),
			Backoff:        feed.DefaultBackoff(cfg.Feed.BackoffBase()),
			Logger:         logger,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	return &server.Host{
		Name:       hc.Name,
		Model:      mdl,
		Verifier:   bearerVerifier,
		Ingestor:   ing,
		Descriptor: descriptorFor(hc),
		Keys:       auth.JWKS{Keys: []auth.JWK{auth.FromRSAPublicKey(&key.PublicKey, hc.KeyID)}},
	}, ing, nil
}

// policyFor turns the host's listing targets into the universal policy.
// A host without targets lists to everyone.
func policyFor(hc *config.HostConfig) listing.Policy {
	var targets []listing.Target
	for _, lc := range hc.Listings {
		t := listing.Target{OrgURL: lc.OrgURL}
		for _, s := range lc.Scopes {
			t.Scopes = append(t.Scopes, reshare.Scope(s))
		}
		targets = append(targets, t)
	}
	return listing.NewUniversalPolicy(hc.ListingDelayMs, targets...)
}

// descriptorFor derives the host's published descriptor from its org URL:
// the endpoints live next to org.json.
func descriptorFor(hc *config.HostConfig) auth.Descriptor {
	base := strings.TrimSuffix(hc.OrgURL, "org.json")
	if base == hc.OrgURL {
		base = strings.TrimSuffix(hc.OrgURL, "/") + "/"
	}
	return auth.Descriptor{
		Name:                      hc.OrgName,
		OrganizationURL:           hc.OrgURL,
		ListProductsEndpointURL:   base + "api/list",
		AcceptProductEndpointURL:  base + "api/accept",
		RejectProductEndpointURL:  base + "api/reject",
		ReserveProductEndpointURL: base + "api/reserve",
		HistoryEndpointURL:        base + "api/history",
		JWKSURL:                   base + "jwks.json",
		EnrollmentURL:             hc.EnrollmentURL,
	}
}

// loadPrivateKey reads an RSA private key in PKCS#1 or PKCS#8 PEM form.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s holds no PEM block", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not hold an RSA key", path)
	}
	return key, nil
}
