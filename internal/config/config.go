package config

import "time"

// Environment variable names understood by the fleetota daemon.
const (
	EnvHTTPAddr          = "FLEETOTA_HTTP_ADDR"
	EnvDatabasePath      = "FLEETOTA_SQLITE_PATH"
	EnvTrackingDir       = "FLEETOTA_TRACKING_DIR"
	EnvInfluxURL         = "FLEETOTA_INFLUX_URL"
	EnvInfluxToken       = "FLEETOTA_INFLUX_TOKEN"
	EnvInfluxOrg         = "FLEETOTA_INFLUX_ORG"
	EnvInfluxBucket      = "FLEETOTA_INFLUX_BUCKET"
	EnvCommandHandlerURL = "FLEETOTA_COMMAND_HANDLER_URL"
	EnvArtifactBaseURL   = "FLEETOTA_ARTIFACT_BASE_URL"
	EnvSigningSecret     = "FLEETOTA_SIGNING_SECRET"
	EnvPollInterval      = "FLEETOTA_POLL_INTERVAL"
	EnvPoolSize          = "FLEETOTA_POOL_SIZE"
	EnvArtifactTTL       = "FLEETOTA_ARTIFACT_TTL"
)

// Config carries everything the daemon needs to wire its stores and servers.
type Config struct {
	HTTPAddr          string
	DatabasePath      string
	TrackingDir       string // empty means in-memory tracking
	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	CommandHandlerURL string
	ArtifactBaseURL   string
	SigningSecret     string
	PollInterval      time.Duration
	PoolSize          int
	ArtifactTTL       time.Duration
}

// Load reads the daemon configuration from the environment, applying
// defaults suitable for local development.
func Load() Config {
	return Config{
		HTTPAddr:          String(EnvHTTPAddr, ":8080"),
		DatabasePath:      String(EnvDatabasePath, "fleetota.sqlite"),
		TrackingDir:       String(EnvTrackingDir, ""),
		InfluxURL:         String(EnvInfluxURL, "http://localhost:8086"),
		InfluxToken:       String(EnvInfluxToken, ""),
		InfluxOrg:         String(EnvInfluxOrg, "fleetota"),
		InfluxBucket:      String(EnvInfluxBucket, "device_events"),
		CommandHandlerURL: String(EnvCommandHandlerURL, "http://localhost:9000"),
		ArtifactBaseURL:   String(EnvArtifactBaseURL, "http://localhost:8081"),
		SigningSecret:     String(EnvSigningSecret, "dev-secret"),
		PollInterval:      Duration(EnvPollInterval, 30*time.Second),
		PoolSize:          Int(EnvPoolSize, 8),
		ArtifactTTL:       Duration(EnvArtifactTTL, 10*time.Minute),
	}
}
