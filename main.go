package main

import (
	"log"
	"os"
	"strconv"
	"strings"

	"mentora_back/authorization"
	"mentora_back/cache"
	"mentora_back/chat"
	"mentora_back/database"
	"mentora_back/events"
	"mentora_back/knowledge"
	"mentora_back/reputation"
	"mentora_back/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

// envInt reads an integer environment variable, -1 when unset or invalid.
func envInt(name string) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return -1
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return parsed
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); origins != "" {
		cfg.AllowOrigins = strings.Split(origins, ",")
	} else {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func main() {
	mustLoadEnv()

	db, err := database.OpenFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	guard, err := authorization.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("build auth guard: %v", err)
	}

	store, err := knowledge.NewQdrantStoreFromEnv()
	if err != nil {
		log.Fatalf("build vector store: %v", err)
	}

	sources, err := storage.NewSourceStoreFromEnv()
	if err != nil {
		log.Fatalf("build source store: %v", err)
	}
	var fetcher knowledge.ObjectFetcher
	if sources != nil {
		fetcher = sources
	}
	extractor := knowledge.NewSourceExtractor(fetcher, 0)

	embedder := knowledge.DefaultEngine()

	client, err := chat.NewClientFromEnv()
	if err != nil {
		log.Fatalf("build chat client: %v", err)
	}

	hub := events.NewHub()

	awards, err := reputation.NewClientFromEnv()
	if err != nil {
		log.Fatalf("build reputation client: %v", err)
	}

	workerOpts := []knowledge.WorkerOption{
		knowledge.WithGenerator(client),
		knowledge.WithEvents(hub),
	}
	if size := envInt("KNOWLEDGE_WORKER_CONCURRENCY"); size > 0 {
		workerOpts = append(workerOpts, knowledge.WithConcurrency(size))
	}
	if size := envInt("KNOWLEDGE_EMBED_BATCH"); size > 0 {
		workerOpts = append(workerOpts, knowledge.WithBatchSize(size))
	}
	window := envInt("KNOWLEDGE_CHUNK_WINDOW")
	overlap := envInt("KNOWLEDGE_CHUNK_OVERLAP")
	budget := envInt("KNOWLEDGE_PAGE_CHAR_BUDGET")
	if window > 0 || overlap >= 0 || budget > 0 {
		workerOpts = append(workerOpts, knowledge.WithChunking(window, overlap, budget))
	}
	if awards != nil {
		workerOpts = append(workerOpts, knowledge.WithReputation(awards))
	}
	worker, err := knowledge.NewWorker(db, embedder, store, extractor, workerOpts...)
	if err != nil {
		log.Fatalf("build ingestion worker: %v", err)
	}
	defer worker.Release()

	docs, err := knowledge.NewService(db, store, worker)
	if err != nil {
		log.Fatalf("build knowledge service: %v", err)
	}
	if err := docs.AutoMigrate(); err != nil {
		log.Fatalf("migrate knowledge tables: %v", err)
	}

	redisClient, err := cache.Client()
	if err != nil {
		log.Printf("redis unavailable, chat history cache disabled: %v", err)
	}

	module, err := chat.NewModule(db, client, docs, embedder, store, redisClient)
	if err != nil {
		log.Fatalf("build chat module: %v", err)
	}
	if err := module.AutoMigrate(); err != nil {
		log.Fatalf("migrate chat tables: %v", err)
	}
	module.SetEvents(hub)
	if awards != nil {
		module.SetReputation(awards)
	}
	docs.SetConversationPurger(module)

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	knowledge.RegisterRoutes(r, guard, docs)
	chat.RegisterRoutes(r, guard, module)
	events.RegisterRoutes(r, guard, hub)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
