package orchestrator

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/steel-dev/steel-browser-go/internal/metrics"
)

// upgrader accepts any origin: the embedding service decides exposure, and
// the control protocol has no cookie-based ambient authority to protect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// proxyWriteWait bounds a single frame write to either side.
const proxyWriteWait = 30 * time.Second

// SetWebSocketHandler registers a custom upgrade handler. When set it wins
// over the built-in reverse proxy; pass nil to restore the proxy.
func (o *Orchestrator) SetWebSocketHandler(h http.HandlerFunc) {
	if h == nil {
		o.wsHandler.Store(nil)
		return
	}
	o.wsHandler.Store(&h)
}

// ProxyWebSocket bridges an incoming upgrade to the browser's
// control-protocol endpoint. The upstream is handshaked directly with a
// WebSocket client and frames are spliced in both directions until either
// side closes, the browser goes away, or a write fails. Cleanup runs exactly
// once however the bridge ends.
//
// The orchestrator mutex is only consulted to resolve the target endpoint;
// it is not held for the connection's lifetime.
func (o *Orchestrator) ProxyWebSocket(w http.ResponseWriter, r *http.Request) {
	if h := o.wsHandler.Load(); h != nil {
		(*h)(w, r)
		return
	}

	o.mu.Lock()
	target := o.drv.ControlURL()
	done := o.browserDoneChan()
	o.mu.Unlock()
	if target == "" {
		http.Error(w, "no browser session is running", http.StatusBadGateway)
		return
	}

	upstream, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		log.Error().Err(err).Msg("Dialing control protocol endpoint failed")
		http.Error(w, "control protocol endpoint unavailable", http.StatusBadGateway)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		upstream.Close()
		return
	}

	metrics.ProxiedWebSockets.Inc()
	log.Debug().Str("target", target).Msg("Control protocol socket proxied")

	var once sync.Once
	cleanup := func(reason string) {
		once.Do(func() {
			client.Close()
			upstream.Close()
			metrics.ProxiedWebSockets.Dec()
			log.Debug().Str("reason", reason).Msg("Proxied socket closed")
		})
	}

	// Browser close, process exit and disconnect all collapse into the
	// done channel; it fires at most once per launch.
	go func() {
		<-done
		cleanup("browser gone")
	}()

	go splice(client, upstream, func() { cleanup("client closed") })
	go splice(upstream, client, func() { cleanup("upstream closed") })
}

// splice pumps frames from src to dst until either side fails.
func splice(src, dst *websocket.Conn, onDone func()) {
	defer onDone()
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			return
		}
		dst.SetWriteDeadline(time.Now().Add(proxyWriteWait))
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}
