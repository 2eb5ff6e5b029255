package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// StoreDriver selects the record store: memory, postgres, or dynamodb.
	StoreDriver string
	DatabaseURL string

	DynamoDistributionsTable string
	DynamoOriginsTable       string
	DynamoEdgeFunctionsTable string
	DynamoHistoryTable       string

	AWSRegion string
	// EdgeRegion is where edge functions are created. CloudFront only
	// accepts associations to functions in us-east-1.
	EdgeRegion  string
	EdgeRoleARN string

	ArtifactsBucket string
	ArtifactsPrefix string

	CachePolicyID string

	KafkaBrokers []string
	KafkaTopic   string

	RunSweeper       bool
	SweepTick        time.Duration
	SweepConcurrency int

	JWTSecret       string
	AllowDebugToken bool
	DebugToken      string
}

const (
	defaultAddr       = ":8070"
	defaultEdgeRegion = "us-east-1"
	defaultKafkaTopic = "cdn.distribution.events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("CDN_ORCH_ADDR", defaultAddr),
		StoreDriver: getEnv("CDN_ORCH_STORE_DRIVER", "memory"),
		DatabaseURL: firstNonEmpty(os.Getenv("CDN_ORCH_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		DynamoDistributionsTable: getEnv("CDN_ORCH_DISTRIBUTIONS_TABLE", "cdn-distributions"),
		DynamoOriginsTable:       getEnv("CDN_ORCH_ORIGINS_TABLE", "cdn-origins"),
		DynamoEdgeFunctionsTable: getEnv("CDN_ORCH_EDGE_FUNCTIONS_TABLE", "cdn-edge-functions"),
		DynamoHistoryTable:       getEnv("CDN_ORCH_HISTORY_TABLE", "cdn-history"),

		AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
		EdgeRegion:  getEnv("CDN_ORCH_EDGE_REGION", defaultEdgeRegion),
		EdgeRoleARN: os.Getenv("CDN_ORCH_EDGE_ROLE_ARN"),

		ArtifactsBucket: os.Getenv("CDN_ORCH_ARTIFACTS_BUCKET"),
		ArtifactsPrefix: getEnv("CDN_ORCH_ARTIFACTS_PREFIX", "cdn-orchestrator"),

		CachePolicyID: os.Getenv("CDN_ORCH_CACHE_POLICY_ID"),

		KafkaTopic: getEnv("CDN_ORCH_KAFKA_TOPIC", defaultKafkaTopic),

		RunSweeper:       getBool("CDN_ORCH_RUN_SWEEPER", true),
		SweepTick:        getDuration("CDN_ORCH_SWEEP_TICK", 10*time.Second),
		SweepConcurrency: getInt("CDN_ORCH_SWEEP_CONCURRENCY", 4),

		JWTSecret:       os.Getenv("CDN_ORCH_JWT_SECRET"),
		AllowDebugToken: getBool("CDN_ORCH_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("CDN_ORCH_DEBUG_TOKEN"),
	}
	if brokers := os.Getenv("CDN_ORCH_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	switch cfg.StoreDriver {
	case "memory", "dynamodb":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or CDN_ORCH_DATABASE_URL required for the postgres store")
		}
	default:
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.EdgeRoleARN == "" {
		return Config{}, fmt.Errorf("CDN_ORCH_EDGE_ROLE_ARN required")
	}
	if !cfg.AllowDebugToken && cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CDN_ORCH_JWT_SECRET required when CDN_ORCH_ALLOW_DEBUG_TOKEN unset")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
