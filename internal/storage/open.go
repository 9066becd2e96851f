package storage

import (
	"context"
	"fmt"
	"time"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend string

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	MongoURI string
	MongoDB  string

	PGDSN   string
	Migrate bool
}

// Handle is an opened store with its health check and teardown.
type Handle struct {
	Store RecordStore
	Ping  func(ctx context.Context) error
	Close func() error
}

// Open connects the backend named by o.Backend: memory, redis, mongo or
// postgres.
func Open(ctx context.Context, o Options) (*Handle, error) {
	switch o.Backend {
	case "", "memory":
		return &Handle{
			Store: NewMemoryStore(),
			Ping:  func(context.Context) error { return nil },
			Close: func() error { return nil },
		}, nil
	case "redis":
		rs := NewRedisStore(o.RedisAddr, o.RedisPassword, o.RedisPrefix)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return &Handle{Store: rs, Ping: rs.Ping, Close: rs.Close}, nil
	case "mongo":
		ms, err := NewMongoStore(ctx, o.MongoURI, o.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Close(ctx)
		}
		return &Handle{Store: ms, Ping: ms.Ping, Close: closeFn}, nil
	case "postgres":
		ps, err := NewPostgresStore(o.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if o.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return &Handle{Store: ps, Ping: ps.Ping, Close: ps.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", o.Backend)
	}
}
