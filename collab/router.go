package collab

import (
	"canvas-collab/metrics"

	"github.com/sirupsen/logrus"
)

// Router fans events out to the connections of a room. Every recipient is
// written independently; a recipient whose send fails is closed so its own
// gateway runs the disconnect path.
type Router struct {
	metrics *metrics.Metrics
}

func NewRouter(m *metrics.Metrics) *Router {
	return &Router{metrics: m}
}

// Announce delivers ev to everyone in room except the participant exclude
// (pass "" to include everyone). It returns the number of successful deliveries.
func (rt *Router) Announce(room *Room, ev Event, exclude string) int {
	delivered := 0
	for _, conn := range room.recipients(exclude) {
		if rt.Unicast(conn, ev) {
			delivered++
		}
	}
	return delivered
}

// Unicast delivers ev to a single connection.
func (rt *Router) Unicast(conn Conn, ev Event) bool {
	if err := conn.Send(ev); err != nil {
		logrus.WithFields(logrus.Fields{
			"conn":  conn.ID(),
			"event": ev.Type,
			"error": err,
		}).Warn("Failed to deliver event, dropping connection")
		rt.metrics.BroadcastFailed()
		go func() {
			_ = conn.Close()
		}()
		return false
	}
	return true
}
