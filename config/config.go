package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/camden-git/footfallbackend/database"
	"github.com/camden-git/footfallbackend/stream"
)

const (
	defaultSnapshotQueueSize  = 100
	defaultNumSnapshotWorkers = 2
	defaultDetectionInterval  = 100
	defaultRefreshInterval    = 16
	defaultCustomerTimeout    = 2000
	defaultSnapshotInterval   = 5000
	defaultSnapshotMargin     = 20
	defaultMinConfidence      = 0.5
	defaultMatchRadius        = 100.0
)

type Config struct {
	Port string

	// database DSN; the default is a private in-memory database
	DatabasePath string

	// SSD detection model (DNN)
	DetectorModelPath  string
	DetectorConfigPath string
	DetectorLabelsPath string

	// detection loop cadence
	DetectionInterval time.Duration
	RefreshInterval   time.Duration

	// tracking thresholds
	MinConfidence   float64
	MatchRadius     float64
	CustomerTimeout time.Duration

	// snapshots
	SnapshotInterval   time.Duration
	SnapshotMargin     int
	SnapshotQueueSize  int
	NumSnapshotWorkers int

	// stream adapters
	MJPEGPollInterval  time.Duration
	StreamStartTimeout time.Duration
	HLSMaxRetries      int
	WebcamWidth        int
	WebcamHeight       int

	// ProxyBaseURL routes plain-http sources through the ingress proxy.
	// It defaults to this server's own /proxy; "off" leaves it empty and
	// disables the rewrite.
	ProxyBaseURL string

	CORSAllowedOrigins []string

	// streams registered and started at boot
	InitialStreams []stream.Descriptor
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(envVar string, defaultVal int) int {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %d. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvFloatOrDefault(envVar string, defaultVal float64) float64 {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil || val <= 0 {
		log.Printf("Warning: Invalid %s '%s'. Using default %g. Error: %v", envVar, valStr, defaultVal, err)
		return defaultVal
	}
	return val
}

func getEnvMillisOrDefault(envVar string, defaultMs int) time.Duration {
	return time.Duration(getEnvIntOrDefault(envVar, defaultMs)) * time.Millisecond
}

func getEnvListOrDefault(envVar string, defaultVal []string) []string {
	valStr := os.Getenv(envVar)
	if valStr == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(valStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// parseStreams reads INITIAL_STREAMS entries: "webcam", "webcam:1",
// "file:/path/video.mp4" or "ip:http://host/stream.m3u8".
func parseStreams(entries []string) ([]stream.Descriptor, error) {
	var out []stream.Descriptor
	for _, entry := range entries {
		typ, rest, _ := strings.Cut(entry, ":")
		typ = strings.ToLower(strings.TrimSpace(typ))
		switch typ {
		case stream.TypeWebcam:
			device := 0
			if rest != "" {
				n, err := strconv.Atoi(rest)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid webcam device in %q", entry)
				}
				device = n
			}
			out = append(out, stream.Descriptor{Type: typ, Device: device})
		case stream.TypeFile, stream.TypeIP:
			if rest == "" {
				return nil, fmt.Errorf("missing url in %q", entry)
			}
			out = append(out, stream.Descriptor{Type: typ, URL: rest})
		default:
			return nil, fmt.Errorf("unknown stream type in %q", entry)
		}
	}
	return out, nil
}

func parseProxyBase(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "none", "false":
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid PROXY_BASE_URL '%s': must be an absolute url or 'off'", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

func LoadConfig() (Config, error) {
	port := getEnvOrDefault("PORT", "8080")

	proxyBase, err := parseProxyBase(getEnvOrDefault("PROXY_BASE_URL", "http://127.0.0.1:"+port+"/proxy"))
	if err != nil {
		return Config{}, err
	}

	initial, err := parseStreams(getEnvListOrDefault("INITIAL_STREAMS", nil))
	if err != nil {
		return Config{}, fmt.Errorf("invalid INITIAL_STREAMS: %w", err)
	}

	cfg := Config{
		Port:               port,
		DatabasePath:       getEnvOrDefault("DATABASE_PATH", database.DefaultDSN),
		DetectorModelPath:  getEnvOrDefault("DETECTOR_MODEL_PATH", "./models/frozen_inference_graph.pb"),
		DetectorConfigPath: getEnvOrDefault("DETECTOR_CONFIG_PATH", "./models/ssd_mobilenet_v2_coco.pbtxt"),
		DetectorLabelsPath: getEnvOrDefault("DETECTOR_LABELS_PATH", ""),
		DetectionInterval:  getEnvMillisOrDefault("DETECTION_INTERVAL_MS", defaultDetectionInterval),
		RefreshInterval:    getEnvMillisOrDefault("REFRESH_INTERVAL_MS", defaultRefreshInterval),
		MinConfidence:      getEnvFloatOrDefault("MIN_CONFIDENCE", defaultMinConfidence),
		MatchRadius:        getEnvFloatOrDefault("MATCH_RADIUS_PX", defaultMatchRadius),
		CustomerTimeout:    getEnvMillisOrDefault("CUSTOMER_TIMEOUT_MS", defaultCustomerTimeout),
		SnapshotInterval:   getEnvMillisOrDefault("SNAPSHOT_INTERVAL_MS", defaultSnapshotInterval),
		SnapshotMargin:     getEnvIntOrDefault("SNAPSHOT_MARGIN_PX", defaultSnapshotMargin),
		SnapshotQueueSize:  getEnvIntOrDefault("SNAPSHOT_QUEUE_SIZE", defaultSnapshotQueueSize),
		NumSnapshotWorkers: getEnvIntOrDefault("NUM_SNAPSHOT_WORKERS", defaultNumSnapshotWorkers),
		MJPEGPollInterval:  getEnvMillisOrDefault("MJPEG_POLL_INTERVAL_MS", int(stream.DefaultPollInterval/time.Millisecond)),
		StreamStartTimeout: time.Duration(getEnvIntOrDefault("STREAM_START_TIMEOUT_SECONDS", int(stream.DefaultStartTimeout/time.Second))) * time.Second,
		HLSMaxRetries:      getEnvIntOrDefault("HLS_MAX_RETRIES", stream.DefaultMaxRetries),
		WebcamWidth:        getEnvIntOrDefault("WEBCAM_WIDTH", stream.DefaultWidth),
		WebcamHeight:       getEnvIntOrDefault("WEBCAM_HEIGHT", stream.DefaultHeight),
		ProxyBaseURL:       proxyBase,
		CORSAllowedOrigins: getEnvListOrDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		InitialStreams:     initial,
	}

	return cfg, nil
}
