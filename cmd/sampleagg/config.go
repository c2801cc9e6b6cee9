package main

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	// ServiceConfig is read from the environment.
	ServiceConfig struct {
		Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`
		SentryDSN   string `env:"SENTRY_DSN"`

		MaxChunks   int    `env:"SAMPLEAGG_MAX_CHUNKS" env-default:"64"`
		ThreadCount int    `env:"SAMPLEAGG_THREADS" env-default:"0"`
		Verify      bool   `env:"SAMPLEAGG_VERIFY" env-default:"false"`
		LogLevel    string `env:"SAMPLEAGG_LOG_LEVEL" env-default:"info"`
	}

	flags struct {
		Bucket     string `kong:"help='Bucket URL the dump is read from, e.g. file:///tmp/dumps or gs://bucket.',required"`
		Dump       string `kong:"arg,help='Object name of the sample dump. Names ending in .lz4 are read as compressed.'"`
		Threads    []int  `kong:"help='Only aggregate samples of these threads.'"`
		Start      int    `kong:"help='First sample index to aggregate.',default='0'"`
		End        int    `kong:"help='Sample index to stop at. Negative means the end of the dump.',default='-1'"`
		Format     string `kong:"enum='report,speedscope,flamegraph',help='Output format.',default='report'"`
		Functions  uint   `kong:"help='Number of functions kept in the report.',default='50'"`
		NoCallTree bool   `kong:"help='Skip building the call tree.'"`
		CompressTo string `kong:"help='Also write the dump back to the bucket as compressed JSON under this name.'"`
	}
)

func readServiceConfig() (ServiceConfig, error) {
	var c ServiceConfig
	if err := cleanenv.ReadEnv(&c); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	if c.MaxChunks < 1 {
		return c, fmt.Errorf("config: SAMPLEAGG_MAX_CHUNKS must be positive, got %d", c.MaxChunks)
	}
	return c, nil
}
