package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/coopdrive/coopcore/internal/anchor"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/config"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/consensus"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/httpserver"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/ledger"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/orchestrator"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/perception"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/reputation"
	"github.com/ILLUVRSE/coopdrive/coopcore/internal/simbridge"
)

// cruise is applied at start and held until the quorum approves something else.
var cruise = ledger.Action{Throttle: 0.3}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()

	// Ledger backend: Postgres when configured, else the REST gateway, else memory (dev only).
	var (
		db      *sql.DB
		backend ledger.Backend
		ping    func(context.Context) error
	)
	switch {
	case cfg.DatabaseURL != "":
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		if err := db.PingContext(pctx); err != nil {
			pcancel()
			log.Fatalf("failed to ping postgres: %v", err)
		}
		pg := ledger.NewPGBackend(db)
		if err := pg.EnsureSchema(pctx); err != nil {
			pcancel()
			log.Fatalf("failed to apply ledger schema: %v", err)
		}
		pcancel()
		backend = pg
		ping = pg.Ping
		log.Println("ledger backend: postgres")
	case cfg.LedgerGatewayURL != "":
		gw, err := ledger.NewGatewayBackend(ledger.GatewayConfig{BaseURL: cfg.LedgerGatewayURL, Token: cfg.LedgerGatewayToken})
		if err != nil {
			log.Fatalf("failed to initialize ledger gateway: %v", err)
		}
		backend = gw
		log.Printf("ledger backend: gateway (%s)", cfg.LedgerGatewayURL)
	default:
		backend = ledger.NewMemoryBackend()
		log.Println("no DATABASE_URL or ledger gateway configured; using in-memory ledger (dev only)")
	}

	// Off-chain storage: S3 when a bucket is set, else a local directory.
	var archiver anchor.Archiver
	if cfg.S3Bucket != "" {
		s3a, err := anchor.NewS3Archiver(ctx, anchor.S3Config{Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix, Endpoint: cfg.S3Endpoint})
		if err != nil {
			log.Fatalf("failed to initialize s3 archiver: %v", err)
		}
		archiver = s3a
		log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)
	} else {
		fa, err := anchor.NewFileArchiver(cfg.ArchiveDir)
		if err != nil {
			log.Fatalf("failed to initialize file archiver: %v", err)
		}
		archiver = fa
		log.Printf("file archiver initialized (dir=%s)", cfg.ArchiveDir)
	}

	// Committed events are streamed to Kafka when brokers are configured.
	var producer anchor.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := anchor.NewKafkaPublisher(anchor.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaEventsTopic})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		producer = kp
		log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaEventsTopic)
	} else {
		log.Println("COOPCORE_KAFKA_BROKERS not set; committed events will not be streamed")
	}
	anchorer := anchor.NewAnchorer(producer, archiver, anchor.Config{ArchiveEvents: cfg.ArchiveEvents})

	client := ledger.NewClient(backend, ledger.Config{
		Channel:           cfg.LedgerChannel,
		EventsChaincode:   cfg.EventsChaincode,
		RegistryChaincode: cfg.RegistryChaincode,
		OriginID:          cfg.AgentID,
		MaxAttempts:       cfg.LedgerMaxAttempts,
		BaseBackoff:       cfg.LedgerBaseBackoff,
		RateLimit:         cfg.LedgerRateLimit,
		RateBurst:         cfg.LedgerRateBurst,
		OnCommit:          func(ev ledger.Event, rec ledger.Receipt) { anchorer.Enqueue(ev, rec) },
	})

	rep := reputation.NewStore(reputation.WithOnChange(func(ch reputation.Change) {
		if _, err := client.Submit(ledger.Event{
			EventType: ledger.EventReputationUpdate,
			Payload: map[string]interface{}{
				"agent_id": ch.AgentID,
				"old":      ch.Old,
				"new":      ch.New,
				"delta":    ch.Delta,
			},
		}); err != nil {
			log.Printf("[reputation] record update for %s: %v", ch.AgentID, err)
		}
	}))

	var policy consensus.Policy = consensus.SafetyThresholdPolicy{MaxThrottle: cfg.MaxThrottle, MaxSteer: cfg.MaxSteer}
	if cfg.VotePolicy != "" {
		cp, err := consensus.NewCELPolicy(cfg.VotePolicy)
		if err != nil {
			log.Fatalf("invalid COOPCORE_VOTE_POLICY: %v", err)
		}
		policy = cp
		log.Printf("vote policy: cel (%s)", cfg.VotePolicy)
	}
	members := make(consensus.StaticQuorum, 0, len(cfg.Quorum))
	transport := consensus.NewLocalTransport(nil)
	for _, m := range cfg.Quorum {
		rep.Seed(m.ID, m.Weight)
		members = append(members, m.ID)
		transport.AddPeer(consensus.Peer{ID: m.ID, Policy: policy})
	}
	coord, err := consensus.NewCoordinator(members, transport, rep, consensus.Config{
		Threshold: cfg.Threshold,
		Timeout:   cfg.ProposalTimeout,
		Reward:    cfg.Reward,
		Penalty:   cfg.Penalty,
		Recorder:  client,
	})
	if err != nil {
		log.Fatalf("failed to initialize consensus: %v", err)
	}
	transport.Bind(coord)
	log.Printf("consensus quorum=%v threshold=%.3f timeout=%s", transport.Peers(), cfg.Threshold, cfg.ProposalTimeout)

	aggregator := perception.NewAggregator(client, perception.Config{SelfID: cfg.AgentID})

	anchorCtx, anchorCancel := context.WithCancel(ctx)
	defer anchorCancel()
	anchorDone := make(chan struct{})
	go func() {
		defer close(anchorDone)
		if err := anchorer.Run(anchorCtx); err != nil && err != context.Canceled {
			log.Printf("[anchor.anchorer] exited with error: %v", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	var (
		wg          sync.WaitGroup
		orch        *orchestrator.Orchestrator
		frameReader interface{ Close() error }
	)

	if cfg.SimBridgeURL != "" {
		simCfg := simbridge.Config{BaseURL: cfg.SimBridgeURL, ActorID: cfg.SimActorID, Retries: 2}
		if len(cfg.KafkaBrokers) > 0 {
			reader, err := simbridge.NewFrameReader(simbridge.FrameReaderConfig{
				Brokers: cfg.KafkaBrokers,
				Topic:   cfg.KafkaFramesTopic,
				GroupID: cfg.KafkaGroupID + "-" + cfg.AgentID,
			})
			if err != nil {
				log.Fatalf("failed to initialize frame reader: %v", err)
			}
			simCfg.Frames = reader
			frameReader = reader
		}
		sim, err := simbridge.NewClient(simCfg)
		if err != nil {
			log.Fatalf("failed to initialize simulator bridge: %v", err)
		}
		var points orchestrator.DecisionPoint
		if len(cfg.Zones) > 0 {
			zones := make([]orchestrator.Zone, 0, len(cfg.Zones))
			for _, z := range cfg.Zones {
				zones = append(zones, orchestrator.Zone{Name: z.Name, Center: ledger.Position{X: z.X, Y: z.Y}, Radius: z.Radius})
			}
			points = orchestrator.NewZoneDetector(zones...)
		}
		orch, err = orchestrator.New(sim, client, aggregator, coord, points, archiver, orchestrator.Config{
			AgentID:          cfg.AgentID,
			AgentKind:        cfg.AgentKind,
			Period:           cfg.Period,
			MaxDuration:      cfg.MaxDuration,
			PerceptionRadius: cfg.PerceptionRadius,
			DecisionWait:     cfg.DecisionWait,
			InitialAction:    cruise,
		})
		if err != nil {
			log.Fatalf("failed to initialize orchestrator: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.Run(runCtx); err != nil {
				log.Printf("[orchestrator] exited with error: %v", err)
			}
		}()
		log.Printf("orchestrator started (agent=%s actor=%s bridge=%s)", cfg.AgentID, cfg.SimActorID, cfg.SimBridgeURL)
	} else {
		log.Println("COOPCORE_SIM_BRIDGE_URL not set; running as ledger and consensus node only")
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpserver.New(httpserver.Config{
			JWTSecret:     cfg.JWTSecret,
			DevToken:      cfg.DevToken,
			AllowDevToken: cfg.AllowDevToken,
		}, httpserver.Deps{
			Ledger:      client,
			Coordinator: coord,
			Reputation:  rep,
			Perception:  aggregator,
			Ping:        ping,
			Metrics: func() map[string]interface{} {
				m := map[string]interface{}{
					"anchor":               anchorer.Stats(),
					"perception_discarded": aggregator.Discarded(),
				}
				if orch != nil {
					m["orchestrator"] = orch.Stats()
				}
				return m
			},
		}).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("starting coopcore server on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	// Stop the vehicle first so its final events reach the ledger, then close
	// the quorum and flush pending submissions before the anchorer drains.
	runCancel()
	wg.Wait()
	coord.Close()
	transport.Wait()
	if err := client.Close(shutdownCtx); err != nil {
		log.Printf("ledger flush incomplete: %v", err)
	}
	anchorCancel()
	<-anchorDone

	if frameReader != nil {
		_ = frameReader.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}
