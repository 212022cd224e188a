package agent

import "github.com/spf13/cobra"

func initExchangeFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	d := defaultCfg.Exchange
	p := "exchange."

	f.String(p+"url", d.URL, "-> management service exchange endpoint")
	f.String(p+"ping_url", d.PingURL, "-> connectivity probe endpoint")
	f.String(p+"queue_dir", d.QueueDir, "-> outbound message queue directory")
	f.String(p+"state_path", d.StatePath, "-> exchange state database")

	f.Duration(p+"urgent_interval", d.UrgentInterval, "-> delay before an urgent exchange")
	f.Duration(p+"regular_interval", d.RegularInterval, "-> routine exchange cadence")
	f.Duration(p+"max_backoff", d.MaxBackoff, "-> retry delay ceiling after failed exchanges")

	f.Int(p+"max_batch_count", d.MaxBatchCount, "-> messages per exchange")
	f.Int(p+"max_batch_bytes", d.MaxBatchBytes, "-> payload bytes per exchange")
	f.Int(p+"degraded_threshold", d.DegradedThreshold, "-> consecutive failures before a degraded event")
	f.Int(p+"unknown_retry_budget", d.UnknownRetryBudget, "-> exchanges attempted while connectivity is unknown")

	f.Duration(p+"exchange_timeout", d.ExchangeTimeout, "-> exchange request timeout")
	f.Duration(p+"probe_timeout", d.ProbeTimeout, "-> connectivity probe timeout")
	f.Duration(p+"shutdown_grace", d.ShutdownGrace, "-> time an in-flight exchange gets at shutdown")
	f.Int64(p+"segment_max_bytes", d.SegmentMaxBytes, "-> queue segment size before rotation")

	f.String(p+"tls.cert_file", "", "-> client certificate (PEM)")
	f.String(p+"tls.key_file", "", "-> client key (PEM)")
	f.String(p+"tls.ca_file", "", "-> CA bundle for the management service (PEM)")
	f.Bool(p+"tls.http2", d.TLS.HTTP2, "-> use HTTP/2 for the exchange")
}
