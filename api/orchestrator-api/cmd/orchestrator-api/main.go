// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rapidaai/voice-orchestrator/api/orchestrator-api/config"
	internal_audit "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/audit"
	internal_history "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/history"
	internal_knowledge "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/knowledge"
	internal_policy "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/policy"
	internal_retrieval "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/retrieval"
	internal_session "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/session"
	orchestrator_routers "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/router"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	appConfig, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load application config: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(appConfig.LogLevel)}
	if appConfig.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithLogFile(appConfig.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	catalog, err := internal_knowledge.Load(ctx, logger, appConfig.KnowledgeDir)
	if err != nil {
		logger.Errorf("knowledge load failed: %v", err)
		os.Exit(1)
	}
	retrieval := internal_retrieval.NewService(logger, catalog)

	settings := internal_session.Settings{
		UpstreamURL:           appConfig.UpstreamURL,
		UpstreamHeaders:       upstreamHeaders(appConfig),
		Cooldown:              time.Duration(appConfig.CooldownMs) * time.Millisecond,
		MinRMS:                appConfig.MinRMS,
		ReflexEnabled:         appConfig.ReflexEnabled,
		MinDelayBeforeReflex:  time.Duration(appConfig.MinDelayBeforeReflex) * time.Millisecond,
		MaxReflexDuration:     time.Duration(appConfig.MaxReflexDuration) * time.Millisecond,
		TransitionGap:         time.Duration(appConfig.TransitionGap) * time.Millisecond,
		PIIMode:               internal_policy.PIIMode(appConfig.PIIMode),
		PartialMatchThreshold: appConfig.PartialMatchThreshold,
		RetrievalCaps: internal_retrieval.Caps{
			TopK:      appConfig.RetrievalTopK,
			MaxTokens: appConfig.RetrievalMaxTokens,
			MaxBytes:  appConfig.RetrievalMaxBytes,
		},
	}

	redactor := internal_policy.NewPIIRedactor()
	auditSink := internal_audit.NewSink(logger, redactor)

	factoryOpts := []internal_session.FactoryOption{internal_session.WithAudit(auditSink)}
	if appConfig.PostgresDSN != "" {
		store, err := internal_history.NewStore(appConfig.PostgresDSN, logger)
		if err != nil {
			logger.Errorf("history store unavailable, continuing without persistence: %v", err)
		} else {
			factoryOpts = append(factoryOpts, internal_session.WithHistory(store))
		}
	}

	factory := internal_session.NewFactory(logger, settings, catalog, retrieval, factoryOpts...)
	registry := internal_session.NewRegistry(logger)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	orchestrator_routers.HealthCheckRoutes(engine, logger, retrieval, registry)
	orchestrator_routers.TalkRoutes(engine, logger, factory, registry)

	address := fmt.Sprintf("%s:%d", appConfig.Host, appConfig.Port)
	server := &http.Server{Addr: address, Handler: engine}

	go func() {
		logger.Infow("orchestrator listening", "address", address, "version", appConfig.Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	registry.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
}

func upstreamHeaders(appConfig *config.AppConfig) http.Header {
	headers := http.Header{}
	if appConfig.UpstreamAPIKey != "" {
		headers.Set("Authorization", "Bearer "+appConfig.UpstreamAPIKey)
	}
	return headers
}
