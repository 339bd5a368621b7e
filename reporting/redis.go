package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/golang/snappy"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "op-harness"
	defaultRedisTTL     = 7 * 24 * time.Hour
	defaultRedisHistory = 100
)

// RedisSink stores snappy-compressed report snapshots in Redis and keeps a
// bounded list of recent run ids per test package.
type RedisSink struct {
	client     redis.UniversalClient
	log        log.Logger
	prefix     string
	ttl        time.Duration
	maxHistory int64
}

type RedisSinkOption func(*RedisSink)

func WithRedisPrefix(prefix string) RedisSinkOption {
	return func(s *RedisSink) { s.prefix = prefix }
}

func WithRedisTTL(ttl time.Duration) RedisSinkOption {
	return func(s *RedisSink) { s.ttl = ttl }
}

func WithRedisHistory(n int64) RedisSinkOption {
	return func(s *RedisSink) { s.maxHistory = n }
}

func NewRedisSink(client redis.UniversalClient, logger log.Logger, opts ...RedisSinkOption) *RedisSink {
	if logger == nil {
		logger = log.New()
	}
	s := &RedisSink{
		client:     client,
		log:        logger,
		prefix:     defaultRedisPrefix,
		ttl:        defaultRedisTTL,
		maxHistory: defaultRedisHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return client, nil
}

func (s *RedisSink) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, runID)
}

func (s *RedisSink) historyKey(testPackage string) string {
	if testPackage == "" {
		testPackage = "default"
	}
	return fmt.Sprintf("%s:history:%s", s.prefix, testPackage)
}

func (s *RedisSink) Emit(ctx context.Context, report *TestReport) error {
	raw, err := json.Marshal(NewSnapshot(report))
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	blob := snappy.Encode(nil, raw)

	historyKey := s.historyKey(report.TestPackage())
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(report.RunID()), blob, s.ttl)
		pipe.LPush(ctx, historyKey, report.RunID())
		pipe.LTrim(ctx, historyKey, 0, s.maxHistory-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store report %s: %w", report.RunID(), err)
	}
	s.log.Debug("Stored report in redis", "run", report.RunID(), "bytes", len(blob), "raw", len(raw))
	return nil
}

// Load returns the snapshot stored for runID, or nil if it has expired.
func (s *RedisSink) Load(ctx context.Context, runID string) (*Snapshot, error) {
	blob, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", runID, err)
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress report %s: %w", runID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return &snap, nil
}

// History returns the most recent run ids for testPackage, newest first.
func (s *RedisSink) History(ctx context.Context, testPackage string) ([]string, error) {
	ids, err := s.client.LRange(ctx, s.historyKey(testPackage), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}
	return ids, nil
}
