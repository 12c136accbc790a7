package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/matixlol/caloric/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment as-is")
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
	)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	err = DB.AutoMigrate(
		&models.User{},
		&models.UserDevice{},
		&models.SearchResponse{},
		&models.FoodDetailResponse{},
	)
	if err != nil {
		log.Fatalf("AutoMigrate failed: %v", err)
	}
}

// Settings holds the tunables read from the environment. Everything has a
// sane default so the service boots with only credentials set.
type Settings struct {
	NutritionBaseURL  string
	NutritionAPIKey   string
	UpstreamTimeout   time.Duration
	DetailConcurrency int

	ChatBaseURL string
	ChatAPIKey  string
	ChatModel   string

	SpeechModel string

	SessionIdleTTL time.Duration
}

const (
	defaultUpstreamTimeout   = 20 * time.Second
	defaultDetailConcurrency = 10
	defaultSessionIdleTTL    = 8 * time.Hour
	defaultChatModel         = "gpt-4o-mini"
	defaultSpeechModel       = "whisper-1"
)

func LoadSettings() Settings {
	s := Settings{
		NutritionBaseURL:  os.Getenv("NUTRITION_API_BASE_URL"),
		NutritionAPIKey:   os.Getenv("NUTRITION_API_KEY"),
		UpstreamTimeout:   envSeconds("UPSTREAM_TIMEOUT_SECONDS", defaultUpstreamTimeout),
		DetailConcurrency: envInt("DETAIL_FETCH_CONCURRENCY", defaultDetailConcurrency),
		ChatBaseURL:       os.Getenv("OPENAI_BASE_URL"),
		ChatAPIKey:        os.Getenv("OPENAI_API_KEY"),
		ChatModel:         os.Getenv("OPENAI_CHAT_MODEL"),
		SpeechModel:       os.Getenv("OPENAI_SPEECH_MODEL"),
		SessionIdleTTL:    envSeconds("SESSION_IDLE_TTL_SECONDS", defaultSessionIdleTTL),
	}

	if s.ChatBaseURL == "" {
		s.ChatBaseURL = "https://api.openai.com/v1"
	}
	if s.ChatModel == "" {
		s.ChatModel = defaultChatModel
	}
	if s.SpeechModel == "" {
		s.SpeechModel = defaultSpeechModel
	}
	if s.UpstreamTimeout < time.Second {
		s.UpstreamTimeout = time.Second
	}
	if s.DetailConcurrency < 1 {
		s.DetailConcurrency = 1
	}
	return s
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, raw, err)
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, raw, err)
		return fallback
	}
	return time.Duration(n) * time.Second
}
