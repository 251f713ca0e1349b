// Package receiver listens for gateway syslog over UDP, runs each line
// through the parser and enrichment pipeline, and writes batches to the
// store.
package receiver

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/loginsight/internal/clock"
	"grimm.is/loginsight/internal/enrich"
	"grimm.is/loginsight/internal/logging"
	"grimm.is/loginsight/internal/metrics"
	"grimm.is/loginsight/internal/parser"
	"grimm.is/loginsight/internal/store"
)

const (
	// One read per datagram; gateway syslog lines fit well under this.
	readBufferSize = 8192
	// Kernel receive buffer, sized to ride out insert stalls.
	socketRcvBuf = 1 << 20

	batchSize    = 50
	batchTimeout = 2 * time.Second
	readTimeout  = time.Second

	// Failed batches are held back for the next flush; past this the
	// oldest records are dropped rather than growing without bound.
	requeueMax = batchSize * 5
)

// NameSource supplies the current device-name maps. *unifi.Poller
// implements this.
type NameSource interface {
	Names() *store.NameMaps
}

// LogStore is the slice of the store the receiver needs.
type LogStore interface {
	InsertBatch(ctx context.Context, recs []*parser.Record) (int, error)
	ConfigStrings(ctx context.Context, key string) []string
	ConfigStringMap(ctx context.Context, key string) map[string]string
	WANIPs(ctx context.Context) []string
	GatewayIPs(ctx context.Context) []string
}

// Counters is a snapshot of pipeline totals since startup.
type Counters struct {
	Received int64 `json:"received"`
	Parsed   int64 `json:"parsed"`
	Failed   int64 `json:"failed"`
	Inserted int64 `json:"inserted"`
}

// Receiver is the UDP syslog listener and batching pipeline.
type Receiver struct {
	addr     string
	parser   *parser.Parser
	enricher *enrich.Enricher
	st       LogStore
	names    NameSource
	hub      *Hub
	clk      clock.Clock
	log      *logging.Logger

	received atomic.Int64
	parsed   atomic.Int64
	failed   atomic.Int64
	inserted atomic.Int64

	mu      sync.Mutex
	batch   []*parser.Record
	pending []*parser.Record
}

// New builds a receiver. names may be nil when controller integration is
// disabled.
func New(addr string, p *parser.Parser, e *enrich.Enricher, st LogStore, names NameSource, clk clock.Clock, log *logging.Logger) *Receiver {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Receiver{
		addr:     addr,
		parser:   p,
		enricher: e,
		st:       st,
		names:    names,
		hub:      NewHub(log),
		clk:      clk,
		log:      log.WithComponent("receiver"),
	}
}

// Hub returns the live-tail fan-out for the API to attach websockets to.
func (r *Receiver) Hub() *Hub { return r.hub }

// Stats returns pipeline totals since startup.
func (r *Receiver) Stats() Counters {
	return Counters{
		Received: r.received.Load(),
		Parsed:   r.parsed.Load(),
		Failed:   r.failed.Load(),
		Inserted: r.inserted.Load(),
	}
}

// Run listens until ctx is cancelled. The final partial batch is flushed
// on the way out.
func (r *Receiver) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: portOf(r.addr)})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(socketRcvBuf); err != nil {
		r.log.Warn("could not grow receive buffer", "error", err)
	}
	r.log.Info("syslog listener started", "addr", conn.LocalAddr().String())

	m := metrics.Get()
	buf := make([]byte, readBufferSize)
	lastFlush := r.clk.Now()

	for {
		if ctx.Err() != nil {
			r.flush(context.Background(), "shutdown")
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if r.batchLen() > 0 && r.clk.Now().Sub(lastFlush) >= batchTimeout {
					r.flush(ctx, "timer")
					lastFlush = r.clk.Now()
				}
				continue
			}
			r.log.Warn("read error", "error", err)
			continue
		}

		m.DatagramsTotal.Inc()
		r.received.Add(1)

		for _, line := range strings.Split(string(buf[:n]), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			r.ingest(ctx, line)
		}

		if r.batchLen() >= batchSize {
			r.flush(ctx, "size")
			lastFlush = r.clk.Now()
		} else if r.clk.Now().Sub(lastFlush) >= batchTimeout && r.batchLen() > 0 {
			r.flush(ctx, "timer")
			lastFlush = r.clk.Now()
		}
	}
}

func (r *Receiver) ingest(ctx context.Context, line string) {
	m := metrics.Get()

	rec := r.parser.Parse(line)
	if rec == nil {
		r.failed.Add(1)
		m.ParseFailures.Inc()
		return
	}
	r.parsed.Add(1)
	m.LogsParsed.WithLabelValues(rec.LogType).Inc()

	// Firewall parsing may have auto-learned the WAN IP; keep the
	// reputation exclusion list in step.
	if rec.LogType == parser.TypeFirewall {
		if wan := r.parser.WANIP(); wan != "" {
			r.enricher.SetWANIP(wan)
		}
	}

	r.annotateNames(rec)
	r.enricher.Enrich(ctx, rec)
	r.hub.Broadcast(rec)

	r.mu.Lock()
	r.batch = append(r.batch, rec)
	r.mu.Unlock()
}

// annotateNames stamps friendly device names from the controller cache:
// source by MAC (falling back to IP), destination by IP.
func (r *Receiver) annotateNames(rec *parser.Record) {
	if r.names == nil {
		return
	}
	names := r.names.Names()
	if names == nil {
		return
	}
	if rec.MACAddress != "" {
		rec.SrcDeviceName = names.ByMAC[strings.ToLower(rec.MACAddress)]
	}
	if rec.SrcDeviceName == "" && rec.SrcIP != "" {
		rec.SrcDeviceName = names.ByIP[rec.SrcIP]
	}
	if rec.DstIP != "" {
		rec.DstDeviceName = names.ByIP[rec.DstIP]
	}
}

func (r *Receiver) batchLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batch)
}

// flush writes the pending re-queue plus the current batch. On failure
// everything goes back to the front of the re-queue, capped at requeueMax
// with the oldest records dropped first.
func (r *Receiver) flush(ctx context.Context, reason string) {
	r.mu.Lock()
	recs := append(r.pending, r.batch...)
	r.batch = nil
	r.pending = nil
	r.mu.Unlock()

	if len(recs) == 0 {
		return
	}

	m := metrics.Get()
	m.BatchFlushes.WithLabelValues(reason).Inc()

	n, err := r.st.InsertBatch(ctx, recs)
	if err != nil {
		m.InsertFailures.Inc()
		dropped := 0
		if len(recs) > requeueMax {
			dropped = len(recs) - requeueMax
			recs = recs[dropped:]
		}
		r.mu.Lock()
		r.pending = recs
		r.mu.Unlock()
		m.RequeueDepth.Set(float64(len(recs)))
		if dropped > 0 {
			m.DroppedLogs.Add(float64(dropped))
		}
		r.log.Warn("batch insert failed, re-queued",
			"count", len(recs), "dropped", dropped, "error", err)
		return
	}

	r.inserted.Add(int64(n))
	m.LogsInserted.Add(float64(n))
	m.RequeueDepth.Set(0)
}

// ReloadConfig re-reads the network topology, swaps it into the parser,
// and refreshes the enricher's own-address set, used on SIGUSR2 and after
// the setup wizard completes.
func (r *Receiver) ReloadConfig(ctx context.Context) {
	r.parser.SetConfig(NetConfigFromStore(ctx, r.st))
	r.enricher.SetExclusions(append(r.st.WANIPs(ctx), r.st.GatewayIPs(ctx)...))
	r.log.Info("network config reloaded")
}

// NetConfigFromStore assembles the parser's topology snapshot from the
// config table. The WAN IP list is authoritative only when the controller
// poller has written wan_ip_by_iface.
func NetConfigFromStore(ctx context.Context, st LogStore) parser.NetConfig {
	wanIfaces := st.ConfigStrings(ctx, "wan_interfaces")
	if len(wanIfaces) == 0 {
		wanIfaces = []string{"ppp0"}
	}

	byIface := st.ConfigStringMap(ctx, "wan_ip_by_iface")
	authoritative := len(byIface) > 0
	wanIPs := st.WANIPs(ctx)

	return parser.NewNetConfig(wanIfaces, wanIPs, authoritative)
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 514
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return 514
	}
	return p
}
