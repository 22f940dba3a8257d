// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package talk_api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	internal_session "github.com/rapidaai/voice-orchestrator/api/orchestrator-api/internal/session"
	"github.com/rapidaai/voice-orchestrator/pkg/commons"
)

// TalkAPI upgrades client connections and hands them to the session
// factory. One websocket equals one session.
type TalkAPI struct {
	logger   commons.Logger
	factory  *internal_session.Factory
	registry *internal_session.Registry
	upgrader websocket.Upgrader
}

func New(logger commons.Logger, factory *internal_session.Factory, registry *internal_session.Registry) *TalkAPI {
	return &TalkAPI{
		logger:   logger,
		factory:  factory,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Origin checks are enforced at the gateway in front of this
			// service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Talk is the websocket endpoint handler.
func (api *TalkAPI) Talk(c *gin.Context) {
	conn, err := api.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	session := api.factory.Create(conn)
	api.registry.Add(session)
	api.logger.Infow("client connected", "session", session.ID, "remote", c.Request.RemoteAddr)

	// Run blocks until the connection drops; gin keeps the handler
	// goroutine alive for us.
	session.Run()
}
