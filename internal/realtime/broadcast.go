package realtime

import (
	"github.com/juju/errors"

	"github.com/tribe-app/realtime/internal/registry"
	"github.com/tribe-app/realtime/internal/wire"
)

// Report summarises one fan-out.
type Report struct {
	Delivered int
	Stale     int
}

// Broadcaster delivers outbound events to every connection subscribed to a
// conversation. Delivery only enqueues onto each target's bounded queue,
// so one slow or dead target never holds up the others.
type Broadcaster struct {
	registry Registry
	metrics  *Metrics
}

// NewBroadcaster returns a Broadcaster resolving targets through reg.
func NewBroadcaster(reg Registry, metrics *Metrics) *Broadcaster {
	if metrics == nil {
		metrics = NewMetrics(reg.Stats)
	}
	return &Broadcaster{registry: reg, metrics: metrics}
}

// Broadcast sends event to the subscribers of conversationID, skipping the
// connection excludeID. An excludeID that is not live is ignored.
func (b *Broadcaster) Broadcast(conversationID string, event wire.Outbound, excludeID string) (Report, error) {
	frame, err := event.Encode()
	if err != nil {
		return Report{}, errors.Trace(err)
	}
	return b.deliver(b.registry.Targets(conversationID, excludeID), frame), nil
}

// SendToUser sends event to every connection of userID, skipping
// excludeID.
func (b *Broadcaster) SendToUser(userID string, event wire.Outbound, excludeID string) (Report, error) {
	frame, err := event.Encode()
	if err != nil {
		return Report{}, errors.Trace(err)
	}
	return b.deliver(b.registry.UserTargets(userID, excludeID), frame), nil
}

func (b *Broadcaster) deliver(targets []registry.Conn, frame []byte) Report {
	var report Report
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			// The target is gone or cannot keep up. Closing it routes it
			// through its own teardown, which unregisters it.
			logger.Debugf("dropping stale target %q: %v", conn.ID(), err)
			_ = conn.Close()
			report.Stale++
			continue
		}
		report.Delivered++
	}
	b.metrics.delivered(report.Delivered)
	b.metrics.staleTargets(report.Stale)
	return report
}
