package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/solanon/mixer/internal/archive"
	"github.com/solanon/mixer/internal/blobstore"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/queue"
)

func main() {
	var (
		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "mixer-archiver", "queue consumer group (required for kafka)")
		queueTopics   = flag.String("queue-topics", strings.Join([]string{events.DefaultDepositTopic, events.DefaultWithdrawalTopic, events.DefaultRouteTopic}, ","), "comma-separated queue topics")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		bucket   = flag.String("s3-bucket", "", "S3 bucket for archived events (required)")
		prefix   = flag.String("s3-prefix", "mixer", "S3 key prefix")
		maxBytes = flag.Int64("s3-max-object-bytes", 16<<20, "maximum object size read back from S3")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*bucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --s3-bucket is required")
		os.Exit(2)
	}
	if *maxLineBytes <= 0 || *queueMaxBytes <= 0 || *maxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes, --queue-max-bytes, and --s3-max-object-bytes must be > 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-ack-timeout must be > 0")
		os.Exit(2)
	}
	topics := queue.SplitCommaList(*queueTopics)
	if len(topics) == 0 {
		fmt.Fprintln(os.Stderr, "error: --queue-topics must not be empty")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("load aws config", "err", err)
		os.Exit(2)
	}
	store, err := blobstore.New(blobstore.Config{
		Driver:     blobstore.DriverS3,
		Bucket:     *bucket,
		Prefix:     *prefix,
		MaxGetSize: *maxBytes,
		S3Client:   s3.NewFromConfig(awsCfg),
	})
	if err != nil {
		log.Error("init blobstore", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        topics,
		KafkaMaxBytes: *queueMaxBytes,
		Reader:        os.Stdin,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	archiver, err := archive.NewArchiver(store, *ackTimeout, log.With("component", "archiver"))
	if err != nil {
		log.Error("init archiver", "err", err)
		os.Exit(2)
	}

	log.Info("mixer-archiver started",
		"queueDriver", *queueDriver,
		"topics", strings.Join(topics, ","),
		"bucket", *bucket,
		"prefix", *prefix,
	)
	if err := archiver.Run(ctx, consumer); err != nil {
		log.Error("archiver stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}
