package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"syscall"
	"time"

	"gochainbridge/types"

	"github.com/gomodule/redigo/redis"
)

// Store keeps every piece of bridge state in Redis
type Store struct {
	pool *redis.Pool
}

func timeoutDialOptions(password string) []redis.DialOption {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
	if password != "" {
		opts = append(opts, redis.DialPassword(password))
	}
	return opts
}

func New(host string, port int, password string) *Store {
	return NewAddr(fmt.Sprintf("%s:%d", host, port), password)
}

func NewAddr(redisAddr, password string) *Store {
	return &Store{
		pool: &redis.Pool{
			MaxIdle:     5,
			IdleTimeout: 5 * time.Minute,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", redisAddr, timeoutDialOptions(password)...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		log.Printf("error Redis connect: %s", err.Error())
		return nil, unavailable(err)
	}
	return storeConn{conn}, nil
}

// storeConn reports a lost or unreachable server as a transient error, so callers
// retry instead of failing transfers. Error replies of the server pass through.
type storeConn struct {
	redis.Conn
}

func (c storeConn) Do(commandName string, args ...interface{}) (interface{}, error) {
	reply, err := c.Conn.Do(commandName, args...)
	return reply, unavailable(err)
}

func (c storeConn) Send(commandName string, args ...interface{}) error {
	return unavailable(c.Conn.Send(commandName, args...))
}

func (c storeConn) Flush() error {
	return unavailable(c.Conn.Flush())
}

func (c storeConn) Receive() (interface{}, error) {
	reply, err := c.Conn.Receive()
	return reply, unavailable(err)
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, redis.ErrPoolExhausted),
		errors.Is(err, context.DeadlineExceeded),
		strings.Contains(err.Error(), "connection closed"):
		return types.TransientError(err, "redis unavailable")
	}
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
