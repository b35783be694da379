package webservice

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (wm *WebMaster) handleScreenPNG(c *gin.Context) {
	snap := wm.source.Agent().Latest()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame captured yet"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(snap.Seq, 10))
	c.Data(http.StatusOK, "image/png", snap.PNG)
}

// handleScreenWS pushes every new frame as a JSON meta text message followed
// by the PNG as a binary message. Slow clients skip frames.
func (wm *WebMaster) handleScreenWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wm.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	client := c.ClientIP()
	wm.logger.Info("websocket viewer connected", "client", client)

	// Viewers send nothing; reading surfaces the close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !isExpectedCloseError(err) {
					wm.logger.Debug("websocket read", "client", client, "err", err)
				}
				return
			}
		}
	}()

	agent := wm.source.Agent()
	var seq uint64
	for {
		snap, err := agent.Wait(ctx, seq)
		if err != nil {
			break
		}
		seq = snap.Seq
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap.Meta()); err != nil {
			wm.logger.Debug("websocket write", "client", client, "err", err)
			break
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, snap.PNG); err != nil {
			wm.logger.Debug("websocket write", "client", client, "err", err)
			break
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	wm.logger.Info("websocket viewer disconnected", "client", client)
}

func isExpectedCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}
