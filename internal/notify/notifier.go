package notify

import (
	"context"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/coord"
	"yuxicoord/internal/types"
)

// Channel is the fixed pub/sub channel config change events go out on.
const Channel = "yuxi:config_updates"

// Notifier publishes config change events so other processes can
// invalidate their caches. Best effort only: when the backend is down or
// the publish fails, the event is dropped with a diagnostic and
// subscribers reconcile on their own schedule.
type Notifier struct {
	backend *coord.Backend
}

func New(backend *coord.Backend) *Notifier {
	return &Notifier{backend: backend}
}

func (n *Notifier) Publish(ctx context.Context, category string) {
	cli, err := n.backend.Client(ctx)
	if err != nil {
		log.Debug("coordination backend unavailable, skipping config change notification")
		return
	}

	payload, err := json.Marshal(types.ChangeEvent{
		Event:     types.EventConfigChanged,
		Type:      category,
		Timestamp: types.UTCNow(),
	})
	if err != nil {
		log.WithError(err).Error("failed to serialize config change event")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, n.backend.OpTimeout())
	defer cancel()
	if err := cli.Publish(opCtx, Channel, payload).Err(); err != nil {
		log.WithError(err).WithField("type", category).Error("failed to publish config change")
		return
	}
	log.WithField("type", category).Info("published config change notification")
}
