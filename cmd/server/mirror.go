package main

import (
	"context"
	"fmt"
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"

	"vitalsync.ai/internal/persistence/mirror"
)

type mirrorEnv struct {
	Enabled     bool `env:"VITALSYNC_MIRROR" envDefault:"false"`
	Workers     int  `env:"VITALSYNC_MIRROR_WORKERS" envDefault:"2"`
	QueueSize   int  `env:"VITALSYNC_MIRROR_QUEUE" envDefault:"2048"`
	EnqueueWait int  `env:"VITALSYNC_MIRROR_ENQUEUE_WAIT_MS" envDefault:"25"`

	S3 mirror.S3Config `envPrefix:"VITALSYNC_S3_"`
}

// buildMirror returns nil when mirroring is disabled.
func buildMirror(ctx context.Context, dataDir string, logger *log.Logger) (*mirror.Mirror, error) {
	var cfg mirrorEnv
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse mirror env: %w", err)
	}
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.S3.Bucket == "" {
		return nil, fmt.Errorf("VITALSYNC_MIRROR=true but VITALSYNC_S3_BUCKET is empty")
	}
	client, err := mirror.NewS3(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	return mirror.New(client, dataDir, cfg.S3.Prefix, mirror.Options{
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueSize,
		EnqueueWait:   msDuration(cfg.EnqueueWait),
		Logger:        logger,
	}), nil
}

func registerMirrorMetrics(reg prometheus.Registerer, m *mirror.Mirror) {
	if m == nil {
		return
	}
	gauge := func(name, help string, fn func(mirror.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "vitalsync", Subsystem: "mirror", Name: name, Help: help},
			func() float64 { return fn(m.Stats()) })
	}
	counter := func(name, help string, fn func(mirror.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "vitalsync", Subsystem: "mirror", Name: name, Help: help},
			func() float64 { return float64(fn(m.Stats())) })
	}
	reg.MustRegister(
		gauge("queue_depth", "Current mirror queue depth.", func(s mirror.Stats) float64 { return float64(s.QueueDepth) }),
		gauge("queue_capacity", "Mirror queue capacity.", func(s mirror.Stats) float64 { return float64(s.QueueCapacity) }),
		counter("enqueued_total", "Total mirror enqueue attempts.", func(s mirror.Stats) uint64 { return s.EnqueuedTotal }),
		counter("queue_saturated_total", "Enqueue attempts that found the queue full.", func(s mirror.Stats) uint64 { return s.QueueSaturatedTotal }),
		counter("dropped_total", "Files dropped because the queue stayed full.", func(s mirror.Stats) uint64 { return s.DroppedTotal }),
		counter("upload_success_total", "Successful uploads.", func(s mirror.Stats) uint64 { return s.UploadSuccessTotal }),
		counter("upload_fail_total", "Uploads that failed after retry.", func(s mirror.Stats) uint64 { return s.UploadFailTotal }),
		gauge("last_success_unix", "Unix time of the last successful upload.", func(s mirror.Stats) float64 { return float64(s.LastSuccessUnix) }),
		gauge("last_error_unix", "Unix time of the last failed upload.", func(s mirror.Stats) float64 { return float64(s.LastErrorUnix) }),
	)
}
