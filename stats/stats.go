// Package stats exposes Prometheus metrics for the shuffle directory and the
// fetch pipeline.
/*
 * Copyright (c) 2018, SparkRDMA Authors. All rights reserved.
 */
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PublishCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparkrdma",
		Name:      "directory_publish_total",
		Help:      "Publish RPCs applied by the coordinator directory",
	})
	FetchCount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparkrdma",
		Name:      "directory_fetch_total",
		Help:      "Location fetch RPCs served by the coordinator directory",
	})
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparkrdma",
		Name:      "wire_decode_errors_total",
		Help:      "Received messages dropped due to decode failure",
	})
	ResolveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparkrdma",
		Name:      "fetch_resolve_timeouts_total",
		Help:      "Location resolutions that expired before the coordinator replied",
	})
	BytesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparkrdma",
		Name:      "fetch_bytes_total",
		Help:      "Bytes fetched from remote peers",
	})
	ReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparkrdma",
		Name:      "fetch_read_errors_total",
		Help:      "Remote read groups that failed",
	})
	InFlightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sparkrdma",
		Name:      "fetch_inflight_bytes",
		Help:      "Bytes of currently outstanding remote reads",
	})
)

func Handler() http.Handler { return promhttp.Handler() }
