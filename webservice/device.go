package webservice

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dptscreen/dpt"
	"dptscreen/sdriver"
	sagent "dptscreen/streamAgent"
	"dptscreen/streamServer"
)

type DeviceInfo struct {
	Address      string               `json:"address,omitempty"`
	Streaming    bool                 `json:"streaming"`
	Capabilities sdriver.DriverCaps   `json:"capabilities"`
	Media        sdriver.MediaMeta    `json:"media"`
	Stats        sdriver.Stats        `json:"stats"`
	Frame        *sagent.SnapshotMeta `json:"frame,omitempty"`
}

func (wm *WebMaster) deviceInfo() DeviceInfo {
	var info DeviceInfo
	if endpoint, ok := wm.source.Endpoint(); ok {
		info.Address = endpoint.String()
		info.Streaming = true
	}
	if d, err := wm.source.Driver(); err == nil {
		info.Capabilities = d.Capabilities()
		info.Media = d.MediaMeta()
		info.Stats = d.Stats()
	}
	if snap := wm.source.Agent().Latest(); snap != nil {
		meta := snap.Meta()
		info.Frame = &meta
	}
	return info
}

func (wm *WebMaster) handleDevice(c *gin.Context) {
	c.JSON(http.StatusOK, wm.deviceInfo())
}

func (wm *WebMaster) handleDiscover(c *gin.Context) {
	endpoint, err := wm.source.Rediscover(c.Request.Context())
	switch {
	case err == nil:
		wm.logger.Info("rediscovery requested", "device", endpoint.String())
		c.JSON(http.StatusOK, wm.deviceInfo())
	case errors.Is(err, dpt.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, streamServer.ErrNoStream):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "address": endpoint.String()})
	default:
		wm.logger.Error("rediscovery failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
