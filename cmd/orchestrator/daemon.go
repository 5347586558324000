package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/onefuzz-core/orchestrator/internal/agentrpc"
	"github.com/onefuzz-core/orchestrator/internal/autoscaler"
	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/cache"
	"github.com/onefuzz-core/orchestrator/internal/cloudprovider"
	"github.com/onefuzz-core/orchestrator/internal/config"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/eventbus"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
	"github.com/onefuzz-core/orchestrator/internal/otelinit"
	"github.com/onefuzz-core/orchestrator/internal/queue"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/job"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/node"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/pool"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/proxy"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/scaleset"
	"github.com/onefuzz-core/orchestrator/internal/reconcile/task"
	"github.com/onefuzz-core/orchestrator/internal/scheduler"
	"github.com/onefuzz-core/orchestrator/internal/shrinkqueue"
	"github.com/onefuzz-core/orchestrator/internal/store"
	"github.com/onefuzz-core/orchestrator/internal/tick"
)

// needCacheL1TTL bounds how long the autoscaler's in-process L1 trusts its
// own last read before re-checking the shared Redis L2 (internal/cache.
// TieredCache), shorter than needCacheTTL itself so a stale L1 entry never
// outlives the shared value it is fronting.
const needCacheL1TTL = 2 * time.Second

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run every reconciler, the scheduler, the autoscaler, and the event bus",
		RunE:  runDaemon,
	}
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	ctx := context.Background()

	if err := otelinit.Init(ctx, otelinit.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer otelinit.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	s, err := store.NewPostgresBacked(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer s.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient)

	s3Client, err := newS3Client(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("configure blob store: %w", err)
	}
	bucketPrefix := cfg.Blob.BucketPrefix
	b := blobstore.NewS3Store(s3Client, func(container string) string {
		return bucketPrefix + container
	})

	// No real cloud adapter is wired yet (DESIGN.md's cloudprovider entry
	// tracks this); the Fake lets every reconciler, the scheduler, and the
	// autoscaler run end to end against a real Postgres/Redis/S3 backend
	// while VM lifecycle calls are simulated in-process.
	cp := cloudprovider.NewFake()

	instanceID := uuid.NewString()
	bus := eventbus.New(s, q, instanceID, cfg.Daemon.InstanceName)
	if err := q.Create(ctx, eventbus.QueueName); err != nil {
		return fmt.Errorf("create webhook delivery queue: %w", err)
	}

	workers := eventbus.NewWorkerPool(bus, eventbus.WorkerConfig{
		Workers:      4,
		PollInterval: 500 * time.Millisecond,
	})
	workers.Start()
	defer workers.Stop()

	cleanup := eventbus.NewCleanupScheduler(bus)
	if err := cleanup.Start(); err != nil {
		return fmt.Errorf("start webhook cleanup scheduler: %w", err)
	}
	defer cleanup.Stop()

	qf := func(scope shrinkqueue.Scope) *shrinkqueue.Queue {
		return shrinkqueue.New(q, scope)
	}

	disposal := domain.NodeDisposalStrategy(cfg.Reconcile.NodeDisposalStrategy)

	nodeOps := &node.Operations{Store: s, Sink: bus, ServiceVersion: cfg.Daemon.ServiceVersion}
	nodeReconciler := node.New(nodeOps)
	scalesetReconciler := scaleset.New(s, cp, bus, disposal, cfg.Daemon.ServiceVersion, qf)
	poolReconciler := pool.New(s, q, bus)
	taskReconciler := task.New(s, q, bus)
	jobReconciler := job.New(s, bus)
	proxyReconciler := proxy.New(s, cp, bus, cfg.Daemon.ServiceVersion)

	sched := scheduler.New(s, q, b)
	auto := autoscaler.New(s, q)
	auto.NeedCache = cache.NewTieredCache(
		cache.NewInMemoryCache(),
		cache.NewRedisCacheFromClient(redisClient, "onefuzz:cache:"),
		needCacheL1TTL,
	)

	var agentServer *agentrpc.Server
	if cfg.GRPC.Enabled {
		agentServer = &agentrpc.Server{Ops: nodeOps, ShrinkQueueFor: func(scalesetID string) *shrinkqueue.Queue {
			return shrinkqueue.New(q, shrinkqueue.Scope{Kind: "scaleset", ID: scalesetID})
		}}
		if err := agentServer.Start(cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("start agentrpc server: %w", err)
		}
		defer agentServer.Stop()
		logging.Op().Info("agentrpc server enabled", "addr", cfg.GRPC.Addr)
	}

	drivers := []*tick.Driver{
		tick.NewDriver("node", cfg.Reconcile.NodeInterval, nodeReconciler.Tick),
		tick.NewDriver("scaleset", cfg.Reconcile.ScalesetInterval, scalesetReconciler.Tick),
		tick.NewDriver("pool", cfg.Reconcile.PoolInterval, poolReconciler.Tick),
		tick.NewDriver("task", cfg.Reconcile.TaskInterval, taskReconciler.Tick),
		tick.NewDriver("job", cfg.Reconcile.JobInterval, jobReconciler.Tick),
		tick.NewDriver("proxy", cfg.Reconcile.ProxyInterval, proxyReconciler.Tick),
		tick.NewDriver("scheduler", cfg.Reconcile.TaskInterval, sched.Tick),
		tick.NewDriver("autoscaler", cfg.Autoscale.Interval, auto.Tick),
	}
	for _, d := range drivers {
		d.Start()
	}
	defer func() {
		for _, d := range drivers {
			d.Stop()
		}
	}()

	logging.Op().Info("orchestrator daemon started",
		"instance_id", instanceID,
		"instance_name", cfg.Daemon.InstanceName,
		"postgres", cfg.Postgres.DSN,
		"redis", cfg.Redis.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Op().Info("shutdown signal received")
	return nil
}

func newS3Client(ctx context.Context, cfg config.BlobConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
