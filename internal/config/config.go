package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	MongoURI       string
	MongoDatabase  string
	PostgresURI    string
	RedisURI       string
	AMQPURI        string   // empty disables purge events
	EncryptionKey  string   // base64 AES key for owner emails; empty stores them in clear
	Port           string
	Host           string   // Raw HOST env (e.g. https://api.example.com)
	AllowedHost    string   // Hostname only for strict host check (production only)
	Environment    string   // ENV: production, development, etc.
	AllowedOrigins []string // CORS: from ALLOWED_ORIGINS or FRONTEND_URL(s)

	// AdminAPIKeyHash is an argon2id hash from `trashctl hash-key`.
	AdminAPIKeyHash string

	BlobBackend         string // cloudinary, minio, s3 or memory
	CloudinaryName      string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	MinIOEndpoint       string
	MinIOPublicURL      string
	MinIOAccessKey      string
	MinIOSecretKey      string
	MinIOBucket         string
	MinIOSecure         bool
	S3Region            string
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	S3Bucket            string
	S3URLTTL            time.Duration

	TrashRetention   time.Duration
	TrashScanLimit   int
	TrashOwnerLimit  int
	PurgeInterval    time.Duration // zero disables the scheduler
	PurgeConcurrency int
	TxMaxRetries     int
	CalendarCacheTTL time.Duration
}

func Load() *Config {
	env := strings.ToLower(strings.TrimSpace(getEnv("ENV", "development")))
	host := getEnv("HOST", "http://localhost:8080")

	// AllowedHost is only set in production; host check is skipped in development
	var allowedHost string
	if env == "production" {
		allowedHost = hostname(host)
	}

	allowedOrigins := parseOrigins(getEnv("ALLOWED_ORIGINS", ""))
	if len(allowedOrigins) == 0 {
		for _, u := range []string{getEnv("FRONTEND_URL", "http://localhost:3000"), getEnv("FRONTEND_URL_2", "")} {
			u = strings.TrimSpace(u)
			if u != "" && !containsOrigin(allowedOrigins, u) {
				allowedOrigins = append(allowedOrigins, u)
			}
		}
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	return &Config{
		MongoURI:        getEnv("MONGODB_URI", getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0")),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "hams"),
		PostgresURI:     getEnv("POSTGRES_URI", "postgres://localhost:5432/hams?sslmode=disable"),
		RedisURI:        getEnv("REDIS_URI", "redis://localhost:6379/0"),
		AMQPURI:         getEnv("AMQP_URI", ""),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		Port:            getEnv("PORT", "8080"),
		Host:            host,
		AllowedHost:     allowedHost,
		Environment:     env,
		AllowedOrigins:  allowedOrigins,
		AdminAPIKeyHash: getEnv("ADMIN_API_KEY_HASH", ""),

		BlobBackend:         strings.ToLower(getEnv("BLOB_BACKEND", "cloudinary")),
		CloudinaryName:      getEnv("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    getEnv("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		MinIOEndpoint:       getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOPublicURL:      getEnv("MINIO_PUBLIC_URL", ""),
		MinIOAccessKey:      getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:      getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:         getEnv("MINIO_BUCKET", "diary"),
		MinIOSecure:         getBool("MINIO_SECURE", false),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3AccessKey:         getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:         getEnv("S3_SECRET_KEY", ""),
		S3Bucket:            getEnv("S3_BUCKET", "diary"),
		S3URLTTL:            getDuration("S3_URL_TTL", 7*24*time.Hour),

		TrashRetention:   getDuration("TRASH_RETENTION", 24*time.Hour),
		TrashScanLimit:   getInt("TRASH_SCAN_LIMIT", 2000),
		TrashOwnerLimit:  getInt("TRASH_OWNER_LIMIT", 500),
		PurgeInterval:    getDuration("PURGE_INTERVAL", time.Hour),
		PurgeConcurrency: getInt("PURGE_CONCURRENCY", 1),
		TxMaxRetries:     getInt("TX_MAX_RETRIES", 5),
		CalendarCacheTTL: getDuration("CALENDAR_CACHE_TTL", 10*time.Minute),
	}
}

// hostname strips scheme, path and port from a URL-ish HOST value.
func hostname(host string) string {
	for _, prefix := range []string{"https://", "http://"} {
		host = strings.TrimPrefix(host, prefix)
	}
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return strings.TrimSpace(host)
}

func parseOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsOrigin(list []string, o string) bool {
	o = strings.TrimSpace(strings.ToLower(o))
	for _, v := range list {
		if strings.TrimSpace(strings.ToLower(v)) == o {
			return true
		}
	}
	return false
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return strings.ToLower(strings.TrimSpace(c.Environment)) == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration falls back to defaultValue when the variable is unset or
// malformed.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d < 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return b
}
