// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package healthcheck_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	internal_retrieval "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/retrieval"
	internal_session "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/session"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// HealthCheckAPI serves liveness and readiness. Readiness reflects the
// knowledge registry: a not-ready retrieval service still serves sessions
// but with empty facts packs, which operators want to see.
type HealthCheckAPI struct {
	logger    commons.Logger
	retrieval *internal_retrieval.Service
	registry  *internal_session.Registry
}

func New(logger commons.Logger, retrieval *internal_retrieval.Service, registry *internal_session.Registry) *HealthCheckAPI {
	return &HealthCheckAPI{logger: logger, retrieval: retrieval, registry: registry}
}

func (api *HealthCheckAPI) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": api.registry.Count(),
	})
}

func (api *HealthCheckAPI) Readiness(c *gin.Context) {
	status := http.StatusOK
	if !api.retrieval.Ready() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"knowledgeReady": api.retrieval.Ready(),
		"sessions":       api.registry.Count(),
	})
}
