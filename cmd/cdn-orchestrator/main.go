package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"

	"github.com/edgeforge/cdn-orchestrator/internal/cdn"
	"github.com/edgeforge/cdn-orchestrator/internal/config"
	"github.com/edgeforge/cdn-orchestrator/internal/edgefn"
	"github.com/edgeforge/cdn-orchestrator/internal/history"
	"github.com/edgeforge/cdn-orchestrator/internal/httpserver"
	"github.com/edgeforge/cdn-orchestrator/internal/poller"
	"github.com/edgeforge/cdn-orchestrator/internal/policy"
	"github.com/edgeforge/cdn-orchestrator/internal/service"
	"github.com/edgeforge/cdn-orchestrator/internal/store"
)

func main() {
	runSweeper := flag.Bool("run-sweeper", true, "run the status polling sweep loop (overrides CDN_ORCH_RUN_SWEEPER)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}

	st, closeStore, err := buildStore(cfg, awsCfg)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer closeStore()

	cdnClient := cdn.NewClient(cloudfront.NewFromConfig(awsCfg))
	// Edge functions must live in us-east-1 for CloudFront to accept the
	// association, regardless of where the service itself runs.
	lambdaClient := lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
		o.Region = cfg.EdgeRegion
	})
	provisioner := edgefn.NewProvisioner(lambdaClient, cfg.EdgeRoleARN)

	s3Clients := func(region string) *s3.Client {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.Region = region })
	}
	reconciler := policy.NewReconciler(st, func(region string) policy.S3API {
		return s3Clients(region)
	})
	buckets := service.BucketClientFactory(func(region string) service.BucketAPI {
		return s3Clients(region)
	})

	var publisher history.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := history.NewKafkaPublisher(history.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kp.Close()
		publisher = kp
	}
	recorder := history.NewRecorder(st, publisher)

	var archiver *edgefn.SourceArchiver
	if cfg.ArtifactsBucket != "" {
		archiver, err = edgefn.NewSourceArchiver(s3Clients(cfg.AWSRegion), cfg.ArtifactsBucket, cfg.ArtifactsPrefix)
		if err != nil {
			log.Fatalf("source archiver init: %v", err)
		}
	}

	svc := service.New(st, cdnClient, provisioner, reconciler, recorder, buckets, archiver, cfg.CachePolicyID)
	p := poller.New(st, cdnClient, recorder)
	server := httpserver.New(cfg, svc, st)

	if sweeperEnabled(flag.CommandLine, *runSweeper, cfg.RunSweeper) {
		sweeper := poller.NewSweeper(p, poller.SweeperConfig{
			TickInterval:  cfg.SweepTick,
			MaxConcurrent: cfg.SweepConcurrency,
		})
		go sweeper.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("cdn-orchestrator listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

// sweeperEnabled resolves the sweep switch: a -run-sweeper flag given on the
// command line wins in either direction, otherwise the environment decides.
func sweeperEnabled(fs *flag.FlagSet, flagValue, cfgValue bool) bool {
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "run-sweeper" {
			explicit = true
		}
	})
	if explicit {
		return flagValue
	}
	return cfgValue
}

func buildStore(cfg config.Config, awsCfg aws.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, err
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, nil, err
		}
		return pg, func() { db.Close() }, nil
	case "dynamodb":
		client := dynamodb.NewFromConfig(awsCfg)
		return store.NewDynamoStore(client, store.DynamoTables{
			Distributions: cfg.DynamoDistributionsTable,
			Origins:       cfg.DynamoOriginsTable,
			EdgeFunctions: cfg.DynamoEdgeFunctionsTable,
			History:       cfg.DynamoHistoryTable,
		}), func() {}, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
