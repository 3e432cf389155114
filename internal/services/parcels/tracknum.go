package parcels

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// newTrackingNumber собирает трек-номер формата TRK<unix millis><3 цифры>.
// Уникальность гарантирует БД, коллизии обрабатываются ретраем в Book.
func newTrackingNumber(now time.Time) string {
	return fmt.Sprintf("TRK%d%03d", now.UnixMilli(), rand.IntN(1000))
}
