package locations

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/broker/messages"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/pkg/errors"
)

type RecorderRepository interface {
	UpdateAgentLocation(ctx context.Context, agentID uint64, lat, lng float64, at time.Time) error
	ActiveParcelsByAgent(ctx context.Context, agentID uint64, statuses []string) ([]*models.Parcel, error)
	MirrorAgentLocation(ctx context.Context, parcelID uint64, lat, lng float64, at time.Time) error
}

// Статусы, для которых ведём durable-зеркало локации. Шире активного набора
// рассылки: посылка в assigned ещё не получает live-событий, но last-known
// уже полезен.
var mirrorStatuses = []string{
	models.StatusAssigned,
	models.StatusPickedUp,
	models.StatusInTransit,
	models.StatusOutForDelivery,
}

// Recorder — durable-половина трекинга: консьюмит agent.location и пишет
// last-known в Postgres (агент + зеркало на посылках с историей).
type Recorder struct {
	repo RecorderRepository

	recorded atomic.Int64
	mirrored atomic.Int64
	failed   atomic.Int64
}

func NewRecorder(repo RecorderRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Handle обрабатывает одно сообщение топика agent.location.
// Ошибка возвращается наверх: консьюмер не закоммитит offset и перечитает.
func (r *Recorder) Handle(ctx context.Context, value []byte) error {
	var msg messages.AgentLocationRecorded
	if err := json.Unmarshal(value, &msg); err != nil {
		// Кривое сообщение ретраить бессмысленно.
		r.failed.Add(1)
		slog.Error("skip malformed location record", "error", err.Error())
		return nil
	}

	if err := r.repo.UpdateAgentLocation(ctx, msg.AgentID, msg.Lat, msg.Lng, msg.Timestamp); err != nil {
		r.failed.Add(1)
		return errors.Wrap(err, "update agent location")
	}
	r.recorded.Add(1)

	active, err := r.repo.ActiveParcelsByAgent(ctx, msg.AgentID, mirrorStatuses)
	if err != nil {
		r.failed.Add(1)
		return errors.Wrap(err, "active parcels")
	}
	for _, p := range active {
		if err := r.repo.MirrorAgentLocation(ctx, p.ID, msg.Lat, msg.Lng, msg.Timestamp); err != nil {
			r.failed.Add(1)
			return errors.Wrapf(err, "mirror location onto parcel %d", p.ID)
		}
		r.mirrored.Add(1)
	}
	return nil
}

// Stats — счётчики для ops-эндпоинта воркера.
type RecorderStats struct {
	Recorded int64 `json:"recorded"`
	Mirrored int64 `json:"mirrored"`
	Failed   int64 `json:"failed"`
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Mirrored: r.mirrored.Load(),
		Failed:   r.failed.Load(),
	}
}
