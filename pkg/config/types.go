package config

// TLSConfig selects one of the three supervisor TLS modes described in
// SPEC_FULL.md section 12: full mTLS (CertFile+KeyFile+CAFile), server-verify
// (CAFile only), or no custom CA (system trust store).
type TLSConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// CAFile, if set, is used to verify the broker's server certificate
	// instead of the system trust store.
	CAFile string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	// CertFile and KeyFile, if both set, enable client certificate
	// authentication (mTLS).
	CertFile string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile  string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	// RejectUnauthorized disables server certificate verification when
	// false. Test-only knob; a loud warning is logged at startup when it is
	// set to false. Unset means verification stays on.
	RejectUnauthorized *bool `json:"rejectUnauthorized,omitempty" yaml:"rejectUnauthorized,omitempty"`
}

// Insecure reports whether the broker was configured to skip server
// certificate verification.
func (t *TLSConfig) Insecure() bool {
	if t == nil || t.RejectUnauthorized == nil {
		return false
	}
	return !*t.RejectUnauthorized
}

// BrokerConfig describes one MQTT broker the supervisor connects to.
type BrokerConfig struct {
	ID       string `json:"id" yaml:"id"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"` // tcp|ssl|ws|wss, default tcp
	ClientID string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Subscribe is the list of topic patterns (MQTT +/#) this client
	// subscribes to on connect, at QoS 1.
	Subscribe []string `json:"subscribe" yaml:"subscribe"`
	// Publish is the allow-list of topic patterns this broker may be
	// published to. An empty list means deny-all (read-only broker).
	Publish []string `json:"publish" yaml:"publish"`

	ALPNProtocol string     `json:"alpnProtocol,omitempty" yaml:"alpnProtocol,omitempty"`
	TLS          TLSConfig  `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// SizingConfig holds the tunable resource knobs named in SPEC_FULL.md 10.3.
type SizingConfig struct {
	BatchSize       int `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	BatchIntervalMS int `json:"batchIntervalMs,omitempty" yaml:"batchIntervalMs,omitempty"`
	MaxStoreSizeMB  int `json:"maxStoreSizeMB,omitempty" yaml:"maxStoreSizeMB,omitempty"`
	PruneChunkSize  int `json:"pruneChunkSize,omitempty" yaml:"pruneChunkSize,omitempty"`
	// MaxQueueEvents bounds the in-memory persistence queue (back-pressure,
	// SPEC_FULL.md 4.3). Oldest entries are dropped beyond this bound.
	MaxQueueEvents int `json:"maxQueueEvents,omitempty" yaml:"maxQueueEvents,omitempty"`
}

// SparkplugConfig toggles Sparkplug B decoding for spBv1.0/ topics.
type SparkplugConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StoreConfig points at the embedded event store file.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// AlertsConfig holds alert-engine tunables.
type AlertsConfig struct {
	WebhookTimeoutMS int `json:"webhookTimeoutMs,omitempty" yaml:"webhookTimeoutMs,omitempty"`
}

// HubConfig is the single top-level document read at startup.
type HubConfig struct {
	Brokers   []BrokerConfig  `json:"brokers" yaml:"brokers"`
	Sparkplug SparkplugConfig `json:"sparkplug,omitempty" yaml:"sparkplug,omitempty"`
	Sizing    SizingConfig    `json:"sizing,omitempty" yaml:"sizing,omitempty"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Alerts    AlertsConfig    `json:"alerts,omitempty" yaml:"alerts,omitempty"`
	// RulesFile points at the versioned transform rule set document
	// (see pkg/transform.RuleSet) persisted alongside the hub config.
	RulesFile string `json:"rulesFile,omitempty" yaml:"rulesFile,omitempty"`
}

// DefaultSizing returns the sizing defaults named in SPEC_FULL.md/spec.md.
func DefaultSizing() SizingConfig {
	return SizingConfig{
		BatchSize:       5000,
		BatchIntervalMS: 2000,
		MaxStoreSizeMB:  0, // 0 = unbounded
		PruneChunkSize:  1000,
		MaxQueueEvents:  250_000,
	}
}

// applyDefaults fills zero-valued sizing fields with DefaultSizing values.
func (c *HubConfig) applyDefaults() {
	d := DefaultSizing()
	if c.Sizing.BatchSize <= 0 {
		c.Sizing.BatchSize = d.BatchSize
	}
	if c.Sizing.BatchIntervalMS <= 0 {
		c.Sizing.BatchIntervalMS = d.BatchIntervalMS
	}
	if c.Sizing.PruneChunkSize <= 0 {
		c.Sizing.PruneChunkSize = d.PruneChunkSize
	}
	if c.Sizing.MaxQueueEvents <= 0 {
		c.Sizing.MaxQueueEvents = d.MaxQueueEvents
	}
	if c.Alerts.WebhookTimeoutMS <= 0 {
		c.Alerts.WebhookTimeoutMS = 5000
	}
	for i := range c.Brokers {
		if c.Brokers[i].Protocol == "" {
			c.Brokers[i].Protocol = "tcp"
		}
	}
}
