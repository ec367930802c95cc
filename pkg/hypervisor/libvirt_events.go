package hypervisor

import (
	"context"

	"github.com/google/uuid"

	"github.com/cuemby/diskwatch/pkg/log"
)

// dispatchEvents subscribes to the domain lifecycle and block-threshold
// event streams and republishes them on this client's channels until
// ctx is done. One goroutine per LibvirtClient, started by DialLibvirt.
func (c *LibvirtClient) dispatchEvents(ctx context.Context) {
	lifecycleCh, err := c.conn.LifecycleEvents(ctx)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to subscribe to domain lifecycle events")
	}

	thresholdCh, err := c.conn.BlockThresholdEvents(ctx)
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to subscribe to domain block threshold events")
	}

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-lifecycleCh:
			if !ok {
				lifecycleCh = nil
				continue
			}
			select {
			case c.lifecycle <- LifecycleEvent{
				DomainID: uuid.UUID(msg.Dom.UUID).String(),
				Event:    lifecycleEventName(msg.Event),
			}:
			default:
				log.Logger.Warn().Msg("lifecycle event channel full, dropping event")
			}

		case msg, ok := <-thresholdCh:
			if !ok {
				thresholdCh = nil
				continue
			}
			select {
			case c.thresholds <- ThresholdEvent{
				DomainID:  uuid.UUID(msg.Dom.UUID).String(),
				Target:    msg.Dev,
				Path:      msg.Path,
				Threshold: uint64(msg.Threshold),
				Excess:    uint64(msg.Excess),
			}:
			default:
				log.Logger.Warn().Msg("threshold event channel full, dropping event")
			}
		}
	}
}

// lifecycleEventName maps the numeric libvirt lifecycle event code onto
// a short human-readable name for logging and reconciliation.
func lifecycleEventName(code int32) string {
	switch code {
	case 0:
		return "defined"
	case 1:
		return "undefined"
	case 2:
		return "started"
	case 3:
		return "suspended"
	case 4:
		return "resumed"
	case 5:
		return "stopped"
	case 6:
		return "shutdown"
	case 7:
		return "pmsuspended"
	case 8:
		return "crashed"
	default:
		return "unknown"
	}
}
