package webservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	sagent "dptscreen/streamAgent"
)

const (
	UDP_PORT_START = 51200
	UDP_PORT_END   = 51299

	STUN_SERVER = "stun:stun.l.google.com:19302"
)

const (
	ScreenChannelLabel = "screen"
	// ChunkSize keeps every data channel message under the SCTP limit
	// browsers agree on.
	ChunkSize         = 16 << 10
	MaxPeers          = 4
	maxBufferedAmount = 4 << 20
	gatherTimeout     = 5 * time.Second
)

var (
	ErrTooManyPeers = errors.New("too many webrtc viewers")
	ErrInvalidOffer = errors.New("invalid sdp offer")

	errManagerClosed = errors.New("webrtc manager closed")
)

type WebRTCOptions struct {
	// ICEServers defaults to a public STUN server. Set to an empty non-nil
	// slice for LAN-only operation.
	ICEServers      []string
	PortMin         uint16
	PortMax         uint16
	IncludeLoopback bool
}

// ChunkedFrameMeta precedes the binary chunks of one frame.
type ChunkedFrameMeta struct {
	sagent.SnapshotMeta
	Chunks int `json:"chunks"`
}

type peer struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc
}

// WebRTCManager pushes frames to browsers over a "screen" data channel the
// browser opens in its offer.
type WebRTCManager struct {
	sync.Mutex
	agent  *sagent.Agent
	opts   WebRTCOptions
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	peers  map[uint32]*peer
	nextID uint32
}

func NewWebRTCManager(agent *sagent.Agent, opts WebRTCOptions, logger *slog.Logger) *WebRTCManager {
	if opts.ICEServers == nil {
		opts.ICEServers = []string{STUN_SERVER}
	}
	if opts.PortMin == 0 && opts.PortMax == 0 {
		opts.PortMin, opts.PortMax = UDP_PORT_START, UDP_PORT_END
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebRTCManager{
		agent:  agent,
		opts:   opts,
		logger: logger.With("transport", "webrtc"),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[uint32]*peer),
	}
}

func (manager *WebRTCManager) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	settingEngine := webrtc.SettingEngine{}
	if err := settingEngine.SetEphemeralUDPPortRange(manager.opts.PortMin, manager.opts.PortMax); err != nil {
		return nil, err
	}
	settingEngine.SetIncludeLoopbackCandidate(manager.opts.IncludeLoopback)
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(settingEngine)), nil
}

// NewSubscriber answers a browser offer. Frames start flowing once the
// browser's screen channel opens.
func (manager *WebRTCManager) NewSubscriber(ctx context.Context, offerSDP string) (string, error) {
	manager.Lock()
	if manager.ctx.Err() != nil {
		manager.Unlock()
		return "", errManagerClosed
	}
	if len(manager.peers) >= MaxPeers {
		manager.Unlock()
		return "", ErrTooManyPeers
	}
	id := manager.nextID
	manager.nextID++
	peerCtx, cancel := context.WithCancel(manager.ctx)
	manager.Unlock()

	api, err := manager.newAPI()
	if err != nil {
		cancel()
		return "", err
	}
	config := webrtc.Configuration{}
	if len(manager.opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: manager.opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		cancel()
		return "", err
	}
	// Track the peer before negotiating so a connection that dies early
	// still releases its slot through remove.
	if err := manager.register(id, &peer{pc: pc, cancel: cancel}); err != nil {
		cancel()
		pc.Close()
		return "", err
	}
	fail := func(err error) (string, error) {
		manager.remove(id)
		return "", err
	}

	logger := manager.logger.With("peer", id)
	pc.OnDataChannel(func(d *webrtc.DataChannel) {
		if d.Label() != ScreenChannelLabel {
			logger.Warn("ignoring data channel", "label", d.Label())
			return
		}
		d.OnOpen(func() {
			logger.Info("screen channel open")
			go manager.push(peerCtx, d, logger)
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			manager.remove(id)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidOffer, err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(err)
	}
	gatherCtx, gatherCancel := context.WithTimeout(ctx, gatherTimeout)
	defer gatherCancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
		return fail(fmt.Errorf("ice gathering: %w", gatherCtx.Err()))
	}

	if state := pc.ConnectionState(); state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
		return fail(fmt.Errorf("peer connection %s during negotiation", state))
	}
	desc := pc.LocalDescription()
	if desc == nil {
		return fail(errors.New("no local description"))
	}
	logger.Info("webrtc viewer connected")
	return desc.SDP, nil
}

// push sends each new frame as a ChunkedFrameMeta text message followed by
// PNG chunks. Frames are skipped while the channel is still draining.
func (manager *WebRTCManager) push(ctx context.Context, d *webrtc.DataChannel, logger *slog.Logger) {
	var seq uint64
	for {
		snap, err := manager.agent.Wait(ctx, seq)
		if err != nil {
			return
		}
		seq = snap.Seq
		if d.BufferedAmount() > maxBufferedAmount {
			logger.Debug("viewer behind, skipping frame", "seq", seq)
			continue
		}
		meta, err := json.Marshal(ChunkedFrameMeta{
			SnapshotMeta: snap.Meta(),
			Chunks:       (len(snap.PNG) + ChunkSize - 1) / ChunkSize,
		})
		if err != nil {
			logger.Error("encoding frame meta", "err", err)
			return
		}
		if err := d.SendText(string(meta)); err != nil {
			logger.Debug("screen channel send", "err", err)
			return
		}
		for off := 0; off < len(snap.PNG); off += ChunkSize {
			if err := d.Send(snap.PNG[off:min(off+ChunkSize, len(snap.PNG))]); err != nil {
				logger.Debug("screen channel send", "err", err)
				return
			}
		}
	}
}

func (manager *WebRTCManager) register(id uint32, p *peer) error {
	manager.Lock()
	defer manager.Unlock()
	if manager.ctx.Err() != nil {
		return errManagerClosed
	}
	if len(manager.peers) >= MaxPeers {
		return ErrTooManyPeers
	}
	manager.peers[id] = p
	return nil
}

func (manager *WebRTCManager) remove(id uint32) {
	manager.Lock()
	p, ok := manager.peers[id]
	delete(manager.peers, id)
	manager.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.pc.Close()
	manager.logger.Info("webrtc viewer disconnected", "peer", id)
}

func (manager *WebRTCManager) Peers() int {
	manager.Lock()
	defer manager.Unlock()
	return len(manager.peers)
}

// Close disconnects every viewer and refuses new ones.
func (manager *WebRTCManager) Close() {
	manager.Lock()
	manager.cancel()
	peers := manager.peers
	manager.peers = make(map[uint32]*peer)
	manager.Unlock()
	for _, p := range peers {
		p.pc.Close()
	}
}

func (wm *WebMaster) handleScreenWebRTC(c *gin.Context) {
	var req struct {
		SDP string `json:"sdp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sdp offer"})
		return
	}
	answer, err := wm.WebRTCManager.NewSubscriber(c.Request.Context(), req.SDP)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"type": "answer", "sdp": answer})
	case errors.Is(err, ErrInvalidOffer):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrTooManyPeers):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		wm.logger.Error("webrtc negotiation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
