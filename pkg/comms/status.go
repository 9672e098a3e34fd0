package comms

import (
	"fmt"
	"strings"
	"time"
)

// ClientCommsStatus describes the communication health of one client. The
// server fills the transport fields; the database adds the variables the
// client subscribes to and publishes.
type ClientCommsStatus struct {
	Name       string          `json:"name"`
	Session    string          `json:"session"`
	Host       string          `json:"host"`
	State      string          `json:"state"`
	LastActive time.Time       `json:"last_active"`
	Latency    LatencySnapshot `json:"latency"`
	Quality    string          `json:"quality"`
	Counters   ConnCounters    `json:"counters"`
	Subscribes []string        `json:"subscribes,omitempty"`
	Publishes  []string        `json:"publishes,omitempty"`
}

func newClientCommsStatus(c *Conn) ClientCommsStatus {
	lat := c.Latency().Snapshot()
	return ClientCommsStatus{
		Name:       c.Peer(),
		Session:    c.ID().String(),
		Host:       c.PeerHost(),
		State:      c.State().String(),
		LastActive: c.LastActivity(),
		Latency:    lat,
		Quality:    lat.Quality().String(),
		Counters:   c.Counters(),
	}
}

// Appraise classifies the recent latency of the client.
func (s ClientCommsStatus) Appraise() Quality { return s.Latency.Quality() }

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// FormatAudit renders statuses as the plain text audit summary, one line
// per client.
func FormatAudit(statuses []ClientCommsStatus) string {
	var b strings.Builder
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s bytes_rx=%d bytes_tx=%d packets_rx=%d packets_tx=%d msgs_rx=%d msgs_tx=%d "+
			"latency_ms=%.3f min_ms=%.3f max_ms=%.3f avg_ms=%.3f quality=%s\n",
			s.Name,
			s.Counters.BytesRx, s.Counters.BytesTx,
			s.Counters.PacketsRx, s.Counters.PacketsTx,
			s.Counters.MsgsRx, s.Counters.MsgsTx,
			ms(s.Latency.Recent), ms(s.Latency.Min), ms(s.Latency.Max), ms(s.Latency.Average),
			s.Quality)
	}
	return b.String()
}
