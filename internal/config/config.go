// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, loaded from the environment
// with optional .env overrides.
type Config struct {
	Port      string
	Namespace string

	// Storage (S3-compatible: AWS S3, Cloudflare R2, MinIO).
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3PublicURL    string
	S3UsePathStyle bool

	// NATS transport; empty URL disables the bus.
	NATSURL           string
	JobSubject        string
	WorkerQueue       string
	ResultSubject     string
	BusHandlerTimeout time.Duration

	// Pipeline defaults; requests may override worker counts.
	DownloadTimeout  time.Duration
	ConnectTimeout   time.Duration
	DownloadRetries  int
	ItemWorkers      int
	DownloadWorkers  int
	TransformWorkers int
	UploadWorkers    int

	// Enhancement endpoint; empty base disables the stage.
	EnhanceAPIBase     string
	EnhanceAPIKey      string
	EnhanceModel       string
	EnhanceTemperature float64
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:      getenv("PORT", "8080"),
		Namespace: getenv("STORAGE_NAMESPACE", "image-studio"),

		S3Endpoint:     getenv("S3_ENDPOINT", ""),
		S3Region:       getenv("S3_REGION", "auto"),
		S3Bucket:       getenv("S3_BUCKET", "image-studio"),
		S3AccessKey:    getenv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:    getenv("S3_SECRET_ACCESS_KEY", ""),
		S3PublicURL:    getenv("S3_PUBLIC_URL", ""),
		S3UsePathStyle: getenv("S3_USE_PATH_STYLE", "true") == "true",

		NATSURL:       getenv("NATS_URL", ""),
		JobSubject:    getenv("JOB_SUBJECT", "image-studio.jobs"),
		WorkerQueue:   getenv("WORKER_QUEUE", "image-studio-workers"),
		ResultSubject: getenv("RESULT_SUBJECT", "image-studio.jobs.done"),

		EnhanceAPIBase: getenv("ENHANCE_API_BASE", ""),
		EnhanceAPIKey:  getenv("ENHANCE_API_KEY", ""),
		EnhanceModel:   getenv("ENHANCE_MODEL", "models/gemini-2.5-flash-image-preview"),
	}

	var err error
	if cfg.DownloadTimeout, err = parseSeconds("DOWNLOAD_TIMEOUT_SEC", "120"); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = parseSeconds("CONNECT_TIMEOUT_SEC", "20"); err != nil {
		return Config{}, err
	}
	if cfg.BusHandlerTimeout, err = parseSeconds("BUS_HANDLER_TIMEOUT_SEC", "30"); err != nil {
		return Config{}, err
	}
	if cfg.DownloadRetries, err = parsePositiveInt(getenv("DOWNLOAD_RETRIES", "2"), "DOWNLOAD_RETRIES"); err != nil {
		return Config{}, err
	}
	if cfg.ItemWorkers, err = parsePositiveInt(getenv("ITEM_WORKERS", "5"), "ITEM_WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.DownloadWorkers, err = parsePositiveInt(getenv("DOWNLOAD_WORKERS", "10"), "DOWNLOAD_WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.TransformWorkers, err = parsePositiveInt(getenv("TRANSFORM_WORKERS", "4"), "TRANSFORM_WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.UploadWorkers, err = parsePositiveInt(getenv("UPLOAD_WORKERS", "10"), "UPLOAD_WORKERS"); err != nil {
		return Config{}, err
	}

	temp := getenv("ENHANCE_TEMPERATURE", "0.5")
	t, err := strconv.ParseFloat(temp, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid ENHANCE_TEMPERATURE: %w", err)
	}
	cfg.EnhanceTemperature = t

	return cfg, nil
}

func parseSeconds(name, def string) (time.Duration, error) {
	v, err := parsePositiveInt(getenv(name, def), name)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
