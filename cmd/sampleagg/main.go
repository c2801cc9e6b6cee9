package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"

	"github.com/getsentry/sampleagg/internal/logutil"
)

var release string

func main() {
	var f flags
	kong.Parse(&f,
		kong.Name("sampleagg"),
		kong.Description("Aggregates a dump of profiler samples into a call tree and function profiles."),
		kong.UsageOnError(),
	)

	config, err := readServiceConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("can't read the configuration")
	}
	logutil.ConfigureLogger(config.LogLevel)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		log.Debug().Msgf(format, a...)
	})); err != nil {
		log.Warn().Err(err).Msg("can't set GOMAXPROCS automatically")
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              config.SentryDSN,
		EnableTracing:    true,
		Environment:      config.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("can't initialize sentry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = execute(ctx, config, f)
	stop()
	if err != nil {
		sentry.CaptureException(err)
		sentry.Flush(5 * time.Second)
		log.Fatal().Err(err).Msg("aggregation failed")
	}
	sentry.Flush(5 * time.Second)
}

func execute(ctx context.Context, config ServiceConfig, f flags) error {
	bucket, err := blob.OpenBucket(ctx, f.Bucket)
	if err != nil {
		return err
	}
	defer func() {
		if err := bucket.Close(); err != nil {
			log.Err(err).Msg("can't close the bucket")
		}
	}()
	return run(ctx, config, f, bucket, os.Stdout)
}
