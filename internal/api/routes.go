package api

import (
	"errors"
	"log"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/stealthchat/internal/session"
)

type countResponse struct {
	SID   string `json:"sid"`
	Count int    `json:"count"`
}

type sendRequest struct {
	Payload string `json:"payload" binding:"required"`
}

func registerRoutes(router *gin.Engine, engine Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/sessions", handleList(engine))
	api.POST("/sessions", handleStart(engine))
	api.GET("/sessions/:sid", handleGet(engine))
	api.POST("/sessions/:sid/join", handleJoin(engine))
	api.POST("/sessions/:sid/leave", handleLeave(engine))
	api.POST("/sessions/:sid/messages", handleSend(engine))
	api.GET("/sessions/:sid/stream", handleStream(engine))
	api.POST("/reconcile", handleReconcile(engine))
}

func handleList(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := engine.Sessions()
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].SID < sessions[j].SID })
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func handleGet(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, ok := engine.Session(c.Param("sid"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func handleStart(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, err := engine.StartSession(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, countResponse{SID: sid, Count: 1})
	}
}

func handleJoin(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param("sid")
		n, err := engine.JoinSession(c.Request.Context(), sid)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, countResponse{SID: sid, Count: n})
	}
}

func handleLeave(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param("sid")
		n, err := engine.LeaveSession(c.Request.Context(), sid)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, countResponse{SID: sid, Count: n})
	}
}

func handleSend(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param("sid")
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
			return
		}
		if _, ok := engine.Session(sid); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		if err := engine.SendMessage(c.Request.Context(), sid, req.Payload); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func handleReconcile(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := engine.Reconcile(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": len(engine.Sessions())})
	}
}

// writeError maps engine errors to status codes. Anything other than an
// unknown session is a transport failure.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, session.ErrUnknownSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	log.Printf("api: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}
