package oneclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	metricRetries        = metrics.NewCounter("oneclient_operation_retries_total")
	metricProxyFallbacks = metrics.NewCounter("oneclient_proxy_fallbacks_total")
	metricDirectStorages = metrics.NewCounter("oneclient_direct_storages_total")
	metricDirsPruned     = metrics.NewCounter("oneclient_directories_pruned_total")
	metricReaddirHits    = metrics.NewCounter("oneclient_readdir_cache_hits_total")
	metricReaddirMisses  = metrics.NewCounter("oneclient_readdir_cache_misses_total")
	metricPrefetchSyncs  = metrics.NewCounter("oneclient_prefetch_syncs_total")
	metricEventsFlushed  = metrics.NewCounter("oneclient_events_flushed_total")
	metricEventsDropped  = metrics.NewCounter("oneclient_events_dropped_total")
	metricBytesRead      = metrics.NewCounter("oneclient_bytes_read_total")
	metricBytesWritten   = metrics.NewCounter("oneclient_bytes_written_total")
)

// initMetricsPush starts pushing process metrics when a push URL is
// configured; counters stay process-local otherwise.
func initMetricsPush(ctx context.Context, config MetricsConfig) {
	if config.PushURL == "" {
		return
	}

	credentials := base64.StdEncoding.EncodeToString(
		[]byte(config.Username + ":" + config.Password))

	opts := &metrics.PushOptions{
		Headers: []string{
			fmt.Sprintf("Authorization: Basic %s", credentials),
		},
	}

	interval := time.Duration(config.PushIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if err := metrics.InitPushWithOptions(ctx, config.PushURL, interval, true, opts); err != nil {
		Logger.Errorf("Failed to initialize metrics: %v", err)
	}
}
