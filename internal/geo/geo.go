package geo

import (
	"math"
	"time"

	"github.com/SwiftParcel/relaydrop/internal/apperr"
	"github.com/SwiftParcel/relaydrop/internal/models"
	"github.com/pkg/errors"
)

// Радиус Земли в км для haversine.
const earthRadiusKm = 6371.0

// Средние скорости по типу транспорта, км/ч.
const (
	speedBike    = 25.0
	speedCar     = 40.0
	speedVan     = 35.0
	speedDefault = 30.0
)

// Фиксированный буфер на пробки/остановки.
const trafficBuffer = 1.3

func ValidateCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return errors.Wrapf(apperr.ErrInvalidCoordinates, "latitude %v out of range [-90, 90]", lat)
	}
	if lng < -180 || lng > 180 {
		return errors.Wrapf(apperr.ErrInvalidCoordinates, "longitude %v out of range [-180, 180]", lng)
	}
	return nil
}

// DistanceKm считает дистанцию по большому кругу (haversine),
// округление до 2 знаков.
func DistanceKm(lat1, lng1, lat2, lng2 float64) (float64, error) {
	if err := ValidateCoordinates(lat1, lng1); err != nil {
		return 0, err
	}
	if err := ValidateCoordinates(lat2, lng2); err != nil {
		return 0, err
	}

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return round2(earthRadiusKm * c), nil
}

func SpeedFor(vehicleType string) float64 {
	switch vehicleType {
	case models.VehicleBike:
		return speedBike
	case models.VehicleCar:
		return speedCar
	case models.VehicleVan:
		return speedVan
	default:
		return speedDefault
	}
}

type ETA struct {
	At                time.Time `json:"eta"`
	Hours             float64   `json:"hours"`
	DistanceRemaining float64   `json:"distanceRemaining"`
}

// EstimateETA — абсолютное время прибытия от current до dest с буфером 30%.
func EstimateETA(current, dest models.GeoPoint, vehicleType string, now time.Time) (ETA, error) {
	d, err := DistanceKm(current.Lat, current.Lng, dest.Lat, dest.Lng)
	if err != nil {
		return ETA{}, err
	}

	hours := d / SpeedFor(vehicleType) * trafficBuffer
	hours = math.Round(hours*10) / 10

	return ETA{
		At:                now.Add(time.Duration(hours * float64(time.Hour))),
		Hours:             hours,
		DistanceRemaining: d,
	}, nil
}

func toRad(deg float64) float64 {
	return deg * (math.Pi / 180)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
