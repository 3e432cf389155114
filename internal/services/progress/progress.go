package progress

import (
	"math"

	"github.com/SwiftParcel/relaydrop/internal/geo"
	"github.com/SwiftParcel/relaydrop/internal/models"
)

// Базовые проценты прогресса по статусу.
var statusWeights = map[string]float64{
	models.StatusPending:        0,
	models.StatusAssigned:       20,
	models.StatusPickedUp:       40,
	models.StatusInTransit:      60,
	models.StatusOutForDelivery: 80,
	models.StatusDelivered:      100,
	models.StatusFailed:         0,
	models.StatusCancelled:      0,
}

// Границы полосы, внутри которой in-transit сглаживается по дистанции.
const (
	bandLow  = 40.0
	bandHigh = 80.0
)

// Эталонная скорость для remaining time, км/ч.
const referenceSpeedKmh = 30.0

type Result struct {
	Percentage float64 `json:"percentage"`
	Stage      string  `json:"stage"`

	// Следующий статус по forward-цепочке; пусто для терминальных.
	NextMilestone string `json:"nextMilestone,omitempty"`

	// Остаток в часах при 30 км/ч; nil, если не вычислим.
	EstimatedTimeRemainingHours *float64 `json:"estimatedTimeRemainingHours,omitempty"`
}

// Estimate вычисляет прогресс доставки для посылки.
//
// База — таблица весов по статусу. Для in-transit с известной live-локацией
// процент интерполируется в полосе [40, 80] пропорционально пройденной доле
// маршрута: якорь — остаток до точки доставки относительно полной дистанции
// pickup→delivery. Результат зажимается в полосу, поэтому число растёт
// непрерывно, а не скачком через плато 60%.
func Estimate(p *models.Parcel, current *models.GeoPoint) Result {
	res := Result{
		Percentage:    statusWeights[p.Status],
		Stage:         p.Status,
		NextMilestone: nextMilestone(p.Status),
	}

	if p.Status != models.StatusInTransit || current == nil || p.DistanceKm <= 0 {
		return res
	}

	toDelivery, err := geo.DistanceKm(
		current.Lat, current.Lng,
		p.DeliveryLocation.Coordinates.Lat, p.DeliveryLocation.Coordinates.Lng,
	)
	if err != nil {
		// Кривая live-точка не должна ломать снапшот: остаёмся на базовом проценте.
		return res
	}

	travelled := (p.DistanceKm - toDelivery) / p.DistanceKm * 100
	res.Percentage = clamp(bandLow+travelled*0.4, bandLow, bandHigh)

	if toDelivery > 0 {
		hours := math.Max(0.5, math.Round(toDelivery/referenceSpeedKmh*10)/10)
		res.EstimatedTimeRemainingHours = &hours
	}

	return res
}

func nextMilestone(status string) string {
	for i, s := range models.ForwardFlow {
		if s == status && i < len(models.ForwardFlow)-1 {
			return models.ForwardFlow[i+1]
		}
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
