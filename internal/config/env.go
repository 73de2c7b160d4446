package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	AIBaseURL    string
	AIAPIKey     string
	EmbedModel   string
	EmbedDim     int
	ChatModel    string
	TargetTokens int
	OverlapTok   int
	NumWorkers   int
	Port         string
}

// LoadConfig loads the environment variables and returns config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "stewardship-manifest"),
		AIBaseURL:    getEnv("AI_BASE_URL", "https://api.openai.com"),
		AIAPIKey:     getEnv("AI_API_KEY", ""),
		EmbedModel:   getEnv("EMBED_MODEL", "text-embedding-3-small"),
		EmbedDim:     getEnvInt("EMBED_DIM", 1536),
		ChatModel:    getEnv("CHAT_MODEL", "gpt-4o-mini"),
		TargetTokens: getEnvInt("CHUNK_TARGET_TOKENS", 750),
		OverlapTok:   getEnvInt("CHUNK_OVERLAP_TOKENS", 100),
		NumWorkers:   getEnvInt("PIPELINE_WORKERS", 2),
		Port:         getEnv("PORT", "8080"),
	}

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	return cfg
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}
