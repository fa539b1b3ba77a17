package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"paypollen-api/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

var ErrGatewayNotInitialized = errors.New("storage gateway not initialized: call Connect first")

// Gateway is the unencrypted database handle. It must never be used for a
// collection the schema registry covers.
type Gateway struct {
	cfg    config.MongoConfig
	logger *zap.Logger

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

func NewGateway(cfg config.MongoConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{cfg: cfg, logger: logger}
}

// Connect dials and pings the cluster. Calling it twice is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return nil
	}

	client, err := dial(ctx, g.cfg, options.Client())
	if err != nil {
		return err
	}

	g.client = client
	g.db = client.Database(g.cfg.Database)

	g.logger.Info("MongoDB connected",
		zap.String("database", g.cfg.Database),
		zap.Bool("encrypted", false),
	)
	return nil
}

func (g *Gateway) Database() (*mongo.Database, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.db == nil {
		return nil, ErrGatewayNotInitialized
	}
	return g.db, nil
}

// Client exposes the driver client, for components such as the key vault
// that live in another database.
func (g *Gateway) Client() (*mongo.Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.client == nil {
		return nil, ErrGatewayNotInitialized
	}
	return g.client, nil
}

func (g *Gateway) Collection(name string) (*mongo.Collection, error) {
	db, err := g.Database()
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

// Store returns the named collection as a DocumentStore.
func (g *Gateway) Store(name string) (*MongoStore, error) {
	coll, err := g.Collection(name)
	if err != nil {
		return nil, err
	}
	return NewMongoStore(coll), nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()

	if client == nil {
		return ErrGatewayNotInitialized
	}
	return client.Ping(ctx, readpref.Primary())
}

// Close disconnects. It is a no-op when Connect never succeeded.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return nil
	}

	err := g.client.Disconnect(ctx)
	g.client = nil
	g.db = nil
	if err != nil {
		return fmt.Errorf("failed to disconnect mongodb: %w", err)
	}

	g.logger.Info("MongoDB disconnected", zap.Bool("encrypted", false))
	return nil
}

func dial(ctx context.Context, cfg config.MongoConfig, opts *options.ClientOptions) (*mongo.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts.ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, nil
}
