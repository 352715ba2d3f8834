package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Acteus/Store-Manager-sub001/internal/cache"
	"github.com/Acteus/Store-Manager-sub001/internal/config"
	"github.com/Acteus/Store-Manager-sub001/internal/events"
	"github.com/Acteus/Store-Manager-sub001/internal/httpapi"
	"github.com/Acteus/Store-Manager-sub001/internal/money"
	"github.com/Acteus/Store-Manager-sub001/internal/service"
	"github.com/Acteus/Store-Manager-sub001/internal/store"
	"github.com/Acteus/Store-Manager-sub001/internal/store/memory"
	pgstore "github.com/Acteus/Store-Manager-sub001/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	calc := money.NewCalculator(cfg.VATRateBasisPoints, cfg.CurrencySymbol)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, calc)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded(calc)
		log.Println("repository: in-memory (seeded)")
	}

	var cacheStore cache.Cache
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-process cache", err)
			cacheStore = cache.NewMemory(cfg.CacheMaxEntries)
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		cacheStore = cache.NewMemory(cfg.CacheMaxEntries)
		log.Println("cache: in-process lru")
	}

	bus := events.NewBus(256)
	closers = append(closers, bus.Close)
	bus.Subscribe(func(evt events.Event) {
		log.Printf("[events] %s %s %v", evt.Type, evt.EntityID, evt.Detail)
	})

	svc := service.New(repo, cacheStore, bus, calc, time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.SalesPageSize)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("store backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}
