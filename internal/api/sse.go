package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// streamBuffer bounds payloads queued for a slow SSE client. Overflow drops
// the payload for that client only.
const streamBuffer = 64

var heartbeatInterval = 15 * time.Second

// liveCheckInterval is how often a stream checks that its session still
// exists.
var liveCheckInterval = time.Second

type payloadEvent struct {
	SID     string `json:"sid"`
	Payload string `json:"payload"`
}

// handleStream relays a session's payloads to the client as server-sent
// events until the client goes away or the session ends. A session that is
// torn down gets a final "ended" event.
func handleStream(engine Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param("sid")
		payloads := make(chan string, streamBuffer)
		subID, err := engine.Subscribe(sid, func(p string) {
			select {
			case payloads <- p:
			default:
				log.Printf("api: stream %s: client too slow, dropping payload", sid)
			}
		})
		if err != nil {
			writeError(c, err)
			return
		}
		defer engine.Unsubscribe(sid, subID)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		writeSSE(c.Writer, "connected", map[string]string{"sid": sid})
		c.Writer.Flush()

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		liveCheck := time.NewTicker(liveCheckInterval)
		defer liveCheck.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-liveCheck.C:
				if _, ok := engine.Session(sid); !ok {
					writeSSE(c.Writer, "ended", map[string]string{"sid": sid})
					c.Writer.Flush()
					return
				}
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case p := <-payloads:
				writeSSE(c.Writer, "payload", payloadEvent{SID: sid, Payload: p})
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
