package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover"`
	Port                          int      `env:"PORT" env-default:"3004" validate:"gt=0"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn warning error"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"gte=1"`

	// PostgreSQL (golden entities, audits, scored pairs)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres" validate:"eq=postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"clover"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Graph projection (Memgraph / Neo4j)
	GraphDBEnabled  bool   `env:"GRAPH_DB_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Redis (dead letter queue)
	RedisEnabled  bool   `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	DLQStream     string `env:"DLQ_STREAM" env-default:"clover:dlq"`
	DLQMaxLen     int64  `env:"DLQ_MAX_LEN" env-default:"10000"`

	// Kafka consumer (raw records)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic      string   `env:"KAFKA_INPUT_TOPIC" env-default:"customer-records"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"clover-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"false"`
	// First wait before a failed record is handled again; doubles up to 30s.
	KafkaConsumerRetryBackoff time.Duration `env:"KAFKA_CONSUMER_RETRY_BACKOFF" env-default:"1s" validate:"gt=0"`

	// Kafka producer (entity events)
	KafkaProducerEnabled bool   `env:"KAFKA_PRODUCER_ENABLED" env-default:"false"`
	KafkaOutputTopic     string `env:"KAFKA_OUTPUT_TOPIC" env-default:"entity-events"`
	KafkaBatchSize       int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout    int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks    int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string `env:"KAFKA_COMPRESSION" env-default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`

	// Tracing
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPProtocol string        `env:"OTEL_EXPORTER_OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	OTLPInsecure bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`
	OTLPTimeout  time.Duration `env:"OTEL_EXPORTER_OTLP_TIMEOUT" env-default:"10s"`

	// Matching
	MatchWeights           map[string]float64 `env:"MATCH_WEIGHTS" env-default:"exact=0.33,fuzzy=0.28,vector=0.22,business=0.17" validate:"min=4,dive,gte=0"`
	AutoMergeThreshold     float64            `env:"AUTO_MERGE_THRESHOLD" env-default:"0.8" validate:"gte=0,lte=1,gtfield=HumanReviewThreshold"`
	HumanReviewThreshold   float64            `env:"HUMAN_REVIEW_THRESHOLD" env-default:"0.6" validate:"gte=0,lte=1"`
	HumanReviewMerges      bool               `env:"HUMAN_REVIEW_MERGES" env-default:"true"`
	ExactCandidateLimit    int                `env:"EXACT_CANDIDATE_LIMIT" env-default:"10" validate:"gt=0"`
	FuzzyCandidateLimit    int                `env:"FUZZY_CANDIDATE_LIMIT" env-default:"20" validate:"gt=0"`
	VectorCandidateLimit   int                `env:"VECTOR_CANDIDATE_LIMIT" env-default:"20" validate:"gt=0"`
	VectorMinSimilarity    float64            `env:"VECTOR_MIN_SIMILARITY" env-default:"0.7" validate:"gte=0,lte=1"`
	BusinessCandidateLimit int                `env:"BUSINESS_CANDIDATE_LIMIT" env-default:"20" validate:"gt=0"`
	BatchFuzzyFloor        float64            `env:"BATCH_FUZZY_FLOOR" env-default:"0.5" validate:"gte=0,lte=1"`
	BatchFullPassLimit     int                `env:"BATCH_FULL_PASS_LIMIT" env-default:"500" validate:"gte=0"`

	// Store calls and workers
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" env-default:"5s" validate:"gt=0"`
	StoreMaxRetries   int           `env:"STORE_MAX_RETRIES" env-default:"3" validate:"gte=0"`
	StoreRetryBackoff time.Duration `env:"STORE_RETRY_BACKOFF" env-default:"50ms" validate:"gte=0"`
	StreamWorkerCount int           `env:"STREAM_WORKER_COUNT" env-default:"4" validate:"gte=1"` // Kafka partition lanes
	BatchWorkerCount  int           `env:"BATCH_WORKER_COUNT" env-default:"4" validate:"gte=1"`
}

var envFiles = []string{".env", ".env.local"}

// Load reads .env files, the environment and an optional config file into a validated Config.
func Load(configFile string) (*Config, error) {
	for _, f := range envFiles {
		// .env.local overrides .env
		_ = godotenv.Overload(f)
	}

	v := viper.New()
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration described by the env-default tags, ignoring the environment.
func Default() *Config {
	cfg, err := decode(viper.New())
	if err != nil {
		panic(err)
	}
	return cfg
}

// decode registers every env-default tag with viper and unmarshals through the env tag names.
func decode(v *viper.Viper) (*Config, error) {
	for _, field := range reflect.VisibleFields(reflect.TypeOf(Config{})) {
		if key := field.Tag.Get("env"); key != "" {
			v.SetDefault(key, field.Tag.Get("env-default"))
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg,
		func(dc *mapstructure.DecoderConfig) { dc.TagName = "env" },
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			StringToWeightsHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// StringToWeightsHookFunc decodes "name=weight,name=weight" strings into strategy weight maps.
func StringToWeightsHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(map[string]float64{}) {
			return data, nil
		}
		return ParseWeights(data.(string))
	}
}

// ParseWeights parses "name=weight,name=weight" into a strategy weight map.
func ParseWeights(raw string) (map[string]float64, error) {
	weights := map[string]float64{}
	for _, pair := range strings.Split(raw, ",") {
		if pair = strings.TrimSpace(pair); pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("weight %q is not name=value", pair)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", pair, err)
		}
		weights[strings.ToLower(strings.TrimSpace(name))] = w
	}
	return weights, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func (c *Config) HTTPAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}
