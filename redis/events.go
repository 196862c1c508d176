package redis

import (
	"context"
	"encoding/json"
	"log"

	"gochainbridge/config"
	"gochainbridge/types"

	"github.com/gomodule/redigo/redis"
)

const EVENT_LOG_LENGTH = 10000

// PublishEvent sends the event to subscribers of the events channel and
// appends it to a capped log for consumers that were not listening.
func (s *Store) PublishEvent(ctx context.Context, ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("PUBLISH", config.REDIS_EVENTS_CHANNEL, data)
	conn.Send("LPUSH", config.REDIS_EVENTS_LOG, data)
	conn.Send("LTRIM", config.REDIS_EVENTS_LOG, 0, EVENT_LOG_LENGTH-1)
	_, err = conn.Do("EXEC")
	if err != nil {
		log.Printf("error Redis publish event: %s", err.Error())
	}
	return err
}

// RecentEvents returns up to n logged events, newest first
func (s *Store) RecentEvents(ctx context.Context, n int) ([]types.Event, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.ByteSlices(conn.Do("LRANGE", config.REDIS_EVENTS_LOG, 0, n-1))
	if err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(raw))
	for _, data := range raw {
		var ev types.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
