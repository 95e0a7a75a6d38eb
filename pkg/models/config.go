package models

// TLSConfig holds certificate paths for client connections.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// CNPGDatabase describes the Postgres (CloudNativePG) cluster that stores
// roaming events and device sessions.
type CNPGDatabase struct {
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Database           string            `json:"database"`
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	ApplicationName    string            `json:"application_name,omitempty"`
	SSLMode            string            `json:"ssl_mode,omitempty"`
	CertDir            string            `json:"cert_dir,omitempty"`
	TLS                *TLSConfig        `json:"tls,omitempty"`
	MaxConnections     int32             `json:"max_connections,omitempty"`
	MinConnections     int32             `json:"min_connections,omitempty"`
	MaxConnLifetime    Duration          `json:"max_conn_lifetime,omitempty"`
	HealthCheckPeriod  Duration          `json:"health_check_period,omitempty"`
	StatementTimeout   Duration          `json:"statement_timeout,omitempty"`
	ExtraRuntimeParams map[string]string `json:"extra_runtime_params,omitempty"`
}

// NATSConfig describes the JetStream connection used for the event stream and
// the sealed credential bucket.
type NATSConfig struct {
	URL       string     `json:"url"`
	Domain    string     `json:"domain,omitempty"`
	Stream    string     `json:"stream,omitempty"`
	Subjects  []string   `json:"subjects,omitempty"`
	CredsFile string     `json:"creds_file,omitempty"`
	TLS       *TLSConfig `json:"tls,omitempty"`
}

// GatewaySeed is a statically configured gateway.
type GatewaySeed struct {
	Hostname     string       `json:"hostname"`
	Port         int          `json:"port,omitempty"`
	Nickname     string       `json:"nickname,omitempty"`
	Priority     int          `json:"priority,omitempty"`
	SecretRef    string       `json:"secret_ref,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Descriptor converts the seed into a descriptor ready for the registry.
func (s *GatewaySeed) Descriptor() GatewayDescriptor {
	port := s.Port
	if port == 0 {
		port = DefaultGatewayPort
	}

	return GatewayDescriptor{
		ID:           DeriveGatewayID(s.Hostname, port, ""),
		Hostname:     s.Hostname,
		Port:         port,
		Nickname:     s.Nickname,
		Priority:     s.Priority,
		SecretRef:    s.SecretRef,
		Capabilities: NormalizeCapabilities(s.Capabilities),
		DiscoveredBy: []string{"static"},
	}
}
