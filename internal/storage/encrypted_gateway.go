package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"paypollen-api/internal/config"
	"paypollen-api/internal/encryption"

	"github.com/aws/aws-sdk-go-v2/aws"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

var ErrEncryptedGatewayNotInitialized = errors.New("encrypted storage gateway not initialized: call Connect first")

type EncryptedGatewayOptions struct {
	Mongo       config.MongoConfig
	KMS         encryption.KeyManagementService
	Credentials aws.CredentialsProvider
	Registry    *encryption.SchemaRegistry
	KMSConfig   config.KMSConfig
	Logger      *zap.Logger
}

// EncryptedGateway is the database handle for PII collections. Every
// collection it hands out encrypts the fields the registry declares.
// There is no fallback to plaintext: if the key vault or KMS cannot be
// reached, Connect fails.
type EncryptedGateway struct {
	opts   EncryptedGatewayOptions
	logger *zap.Logger

	mu        sync.RWMutex
	client    *mongo.Client
	db        *mongo.Database
	vault     *encryption.KeyVaultManager
	encryptor *encryption.FieldEncryptor
}

func NewEncryptedGateway(opts EncryptedGatewayOptions) *EncryptedGateway {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = encryption.DefaultSchemaRegistry(opts.KMSConfig.DataKeyAltName)
	}
	return &EncryptedGateway{opts: opts, logger: logger}
}

// Connect resolves KMS credentials, connects, ensures the key-vault index
// and unwraps every key the registry references.
func (g *EncryptedGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return nil
	}
	if g.opts.KMS == nil {
		return fmt.Errorf("encrypted gateway: no KMS configured")
	}

	client, err := dial(ctx, g.opts.Mongo, options.Client().SetAppName("paypollen-api-encrypted"))
	if err != nil {
		return err
	}

	vault, err := g.openVault(ctx, client)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return err
	}

	g.client = client
	g.db = client.Database(g.opts.Mongo.Database)
	g.vault = vault
	g.encryptor = encryption.NewFieldEncryptor(g.opts.Registry, vault)

	g.logger.Info("MongoDB connected",
		zap.String("database", g.opts.Mongo.Database),
		zap.Bool("encrypted", true),
		zap.String("kms_provider", g.opts.KMS.Provider()),
		zap.Strings("encrypted_collections", g.opts.Registry.Collections()),
	)
	return nil
}

func (g *EncryptedGateway) openVault(ctx context.Context, client *mongo.Client) (*encryption.KeyVaultManager, error) {
	coll := client.Database(g.opts.Mongo.KeyVaultDatabase()).Collection(g.opts.Mongo.KeyVaultCollection())
	vault := encryption.NewKeyVaultManager(
		NewKeyVaultStore(NewMongoStore(coll)),
		g.opts.KMS,
		g.opts.Credentials,
		g.opts.KMSConfig.Timeout,
		g.logger,
	)

	if _, err := vault.Credentials(ctx); err != nil {
		return nil, fmt.Errorf("encrypted gateway: %w", err)
	}
	if err := vault.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("encrypted gateway: %w", err)
	}
	for _, altName := range g.opts.Registry.KeyAltNames() {
		if _, err := vault.ResolveKey(ctx, altName); err != nil {
			return nil, fmt.Errorf("encrypted gateway: key %q must be provisioned before startup: %w", altName, err)
		}
	}
	return vault, nil
}

func (g *EncryptedGateway) Database() (*mongo.Database, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.db == nil {
		return nil, ErrEncryptedGatewayNotInitialized
	}
	return g.db, nil
}

// Collection returns the named collection behind transparent encryption.
func (g *EncryptedGateway) Collection(name string) (*EncryptedCollection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.db == nil {
		return nil, ErrEncryptedGatewayNotInitialized
	}
	return NewEncryptedCollection(name, NewMongoStore(g.db.Collection(name)), g.encryptor), nil
}

// Encryptor is the manual encryption API for ad-hoc jobs.
func (g *EncryptedGateway) Encryptor() (*encryption.FieldEncryptor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.encryptor == nil {
		return nil, ErrEncryptedGatewayNotInitialized
	}
	return g.encryptor, nil
}

func (g *EncryptedGateway) KeyVault() (*encryption.KeyVaultManager, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.vault == nil {
		return nil, ErrEncryptedGatewayNotInitialized
	}
	return g.vault, nil
}

func (g *EncryptedGateway) Ping(ctx context.Context) error {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()

	if client == nil {
		return ErrEncryptedGatewayNotInitialized
	}
	return client.Ping(ctx, readpref.Primary())
}

// Close drops the unwrapped keys before the connection. It is a no-op
// when Connect never succeeded.
func (g *EncryptedGateway) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client == nil {
		return nil
	}

	if g.vault != nil {
		g.vault.Clear()
	}
	g.encryptor = nil
	g.vault = nil

	err := g.client.Disconnect(ctx)
	g.client = nil
	g.db = nil
	if err != nil {
		return fmt.Errorf("failed to disconnect encrypted mongodb: %w", err)
	}

	g.logger.Info("MongoDB disconnected", zap.Bool("encrypted", true))
	return nil
}
