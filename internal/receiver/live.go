package receiver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/metrics"
	"grimm.is/loginsight/internal/parser"
)

const (
	writeWait      = 5 * time.Second
	clientQueueLen = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-origin policy is irrelevant on a LAN dashboard.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamEntry is the wire shape for live-tail messages, matching the
// field names the log list API uses.
type streamEntry struct {
	Timestamp time.Time `json:"timestamp"`
	LogType   string    `json:"log_type"`
	Direction string    `json:"direction,omitempty"`

	SrcIP    string `json:"src_ip,omitempty"`
	SrcPort  int    `json:"src_port,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	ServiceName string `json:"service_name,omitempty"`
	RuleName    string `json:"rule_name,omitempty"`
	RuleAction  string `json:"rule_action,omitempty"`

	DNSQuery  string `json:"dns_query,omitempty"`
	DHCPEvent string `json:"dhcp_event,omitempty"`
	WifiEvent string `json:"wifi_event,omitempty"`

	GeoCountry  string `json:"geo_country,omitempty"`
	GeoCity     string `json:"geo_city,omitempty"`
	ThreatScore *int   `json:"threat_score,omitempty"`

	SrcDeviceName string `json:"src_device_name,omitempty"`
	DstDeviceName string `json:"dst_device_name,omitempty"`
}

// Hub fans parsed records out to live-tail websocket clients. Slow
// clients lose messages rather than backpressuring the ingest path.
type Hub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[chan []byte]string
}

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Default()
	}
	return &Hub{
		log:     log.WithComponent("live-tail"),
		clients: make(map[chan []byte]string),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends a record to every connected client. Marshalling happens
// once; a client with a full queue skips the message.
func (h *Hub) Broadcast(rec *parser.Record) {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	if n == 0 {
		return
	}

	payload, err := json.Marshal(streamEntry{
		Timestamp:     rec.Timestamp,
		LogType:       rec.LogType,
		Direction:     rec.Direction,
		SrcIP:         rec.SrcIP,
		SrcPort:       rec.SrcPort,
		DstIP:         rec.DstIP,
		DstPort:       rec.DstPort,
		Protocol:      rec.Protocol,
		ServiceName:   rec.ServiceName,
		RuleName:      rec.RuleName,
		RuleAction:    rec.RuleAction,
		DNSQuery:      rec.DNSQuery,
		DHCPEvent:     rec.DHCPEvent,
		WifiEvent:     rec.WifiEvent,
		GeoCountry:    rec.GeoCountry,
		GeoCity:       rec.GeoCity,
		ThreatScore:   rec.ThreatScore,
		SrcDeviceName: rec.SrcDeviceName,
		DstDeviceName: rec.DstDeviceName,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
		}
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and streams records until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	ch := make(chan []byte, clientQueueLen)
	h.mu.Lock()
	h.clients[ch] = id
	h.mu.Unlock()
	metrics.Get().StreamClients.Inc()
	h.log.Debug("live-tail client connected", "client", id, "remote", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		metrics.Get().StreamClients.Dec()
		conn.Close()
		h.log.Debug("live-tail client disconnected", "client", id)
	}()

	// Discard inbound frames, noticing disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case payload := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
