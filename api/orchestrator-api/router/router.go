// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package orchestrator_routers

import (
	"github.com/gin-gonic/gin"

	healthcheck_api "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/api/healthcheck"
	talk_api "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/api/talk"
	internal_retrieval "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/retrieval"
	internal_session "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/session"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// HealthCheckRoutes registers the liveness/readiness endpoints.
func HealthCheckRoutes(engine *gin.Engine, logger commons.Logger, retrieval *internal_retrieval.Service, registry *internal_session.Registry) {
	logger.Info("Internal HealthCheckRoutes added to engine.")
	apiv1 := engine.Group("")
	hcApi := healthcheck_api.New(logger, retrieval, registry)
	{
		apiv1.GET("/readiness/", hcApi.Readiness)
		apiv1.GET("/healthz/", hcApi.Healthz)
	}
}

// TalkRoutes registers the client websocket endpoint.
func TalkRoutes(engine *gin.Engine, logger commons.Logger, factory *internal_session.Factory, registry *internal_session.Registry) {
	logger.Info("TalkRoutes added to engine.")
	api := talk_api.New(logger, factory, registry)
	apiv1 := engine.Group("/v1")
	{
		apiv1.GET("/talk", api.Talk)
	}
}
