package realtime

import (
	"fmt"
	"sync"
)

// Hub — процесс-локальный реестр комнат.
// Комнаты эфемерны: membership живёт только пока жива подписка.
// Publish — at-most-once: медленный подписчик теряет событие, очередей
// и ретраев нет ("нет наблюдателей" — это не ошибка).
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}
}

type Subscription struct {
	room string
	ch   chan Event
	once sync.Once
}

// C — канал событий подписки. Закрывается при Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Room() string { return s.room }

func NewHub() *Hub {
	return &Hub{rooms: map[string]map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(room string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{room: room, ch: make(chan Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = map[*Subscription]struct{}{}
		h.rooms[room] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe идемпотентен: повторный выход из комнаты — no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if subs, ok := h.rooms[sub.room]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, sub.room)
		}
	}
	h.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
}

// Publish рассылает событие всем подписчикам комнаты.
// Возвращает число подписчиков, фактически получивших событие.
// Вызовы из одной горутины сохраняют порядок (per-publisher FIFO).
func (h *Hub) Publish(room string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.rooms[room] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			// Переполненный буфер: событие для этого подписчика теряется.
		}
	}
	return delivered
}

// Subscribers — текущий размер комнаты (для ops/stats).
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Имена комнат.
func TrackingRoom(trackingNumber string) string { return "tracking:" + trackingNumber }
func UserRoom(userID uint64) string             { return fmt.Sprintf("user:%d", userID) }
func AdminRoom(roomID string) string            { return "admin:" + roomID }
