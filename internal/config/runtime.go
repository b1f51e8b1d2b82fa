package config

import "time"

// RuntimeConfig holds hot-reloadable global tunables shared by every server,
// escaper and inspection stage. A reload (§4.6) swaps this pointer; in-flight
// tasks keep using the snapshot they started with.
type RuntimeConfig struct {
	// Copy engine (§4.1)
	CopyBufferSize int      `yaml:"copy_buffer_size"`
	CopyYieldSize  int      `yaml:"copy_yield_size"`
	IdleCheckEvery Duration `yaml:"idle_check_duration"`
	MaxIdleCount   int      `yaml:"max_idle_count"`

	// Inspection (§4.4)
	MaxInspectionDepth int      `yaml:"max_inspection_depth"`
	InspectPeekBytes   int      `yaml:"inspect_peek_bytes"`
	IntelliProxyPeek   int      `yaml:"intelli_proxy_peek_bytes"`

	// HTTP/1 pipeline (§4.3.1)
	ReqHeadMaxSize        int      `yaml:"req_head_max_size"`
	ReqHeadRecvTimeout    Duration `yaml:"req_head_recv_timeout"`
	RspHeadRecvTimeout    Duration `yaml:"rsp_head_recv_timeout"`
	PipelineReadIdleTimeo Duration `yaml:"pipeline_read_idle_timeout"`
	PipelineQueueDepth    int      `yaml:"pipeline_queue_depth"`

	// Negotiation boundaries (§5)
	PeerNegotiationTimeout Duration `yaml:"peer_negotiation_timeout"`
	TLSHandshakeTimeout    Duration `yaml:"tls_handshake_timeout"`
	AcceptTimeout          Duration `yaml:"accept_timeout"`

	// RouteQuery (§4.2.4)
	RouteQueryTimeout Duration `yaml:"query_timeout"`
	RouteQueryMaxTTL  Duration `yaml:"max_cache_ttl"`

	// RouteFailover (§4.2.5)
	FailoverFallbackDelay Duration `yaml:"fallback_delay"`

	// RouteGeoIp (§4.2.3)
	GeoIPResolutionDelay Duration `yaml:"resolution_delay"`

	// Graceful shutdown (§4.6)
	GracefulWait Duration `yaml:"graceful_wait"`
}

// NewDefaultRuntimeConfig returns the built-in defaults, overridden per-entity
// where a YAML document names a different value.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		CopyBufferSize:         16 * 1024,
		CopyYieldSize:          256 * 1024,
		IdleCheckEvery:         Duration(10 * time.Second),
		MaxIdleCount:           6,
		MaxInspectionDepth:     4,
		InspectPeekBytes:       1536,
		IntelliProxyPeek:       1536,
		ReqHeadMaxSize:         64 * 1024,
		ReqHeadRecvTimeout:     Duration(30 * time.Second),
		RspHeadRecvTimeout:     Duration(30 * time.Second),
		PipelineReadIdleTimeo:  Duration(5 * time.Minute),
		PipelineQueueDepth:     16,
		PeerNegotiationTimeout: Duration(15 * time.Second),
		TLSHandshakeTimeout:    Duration(10 * time.Second),
		AcceptTimeout:          Duration(10 * time.Second),
		RouteQueryTimeout:      Duration(2 * time.Second),
		RouteQueryMaxTTL:       Duration(10 * time.Minute),
		FailoverFallbackDelay:  Duration(200 * time.Millisecond),
		GeoIPResolutionDelay:   Duration(500 * time.Millisecond),
		GracefulWait:           Duration(30 * time.Second),
	}
}
