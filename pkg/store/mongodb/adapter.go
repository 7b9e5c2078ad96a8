package mongodb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fatchan/enmap-mongo/pkg/observability/logger"
	"github.com/fatchan/enmap-mongo/pkg/store"
)

// MongoDBAdapter persists an in-memory container to a MongoDB collection.
// It owns a single connection for its whole lifetime: opened once in Init,
// closed once in Close, with no reconnection in between. A dropped connection
// is fatal for this component.
type MongoDBAdapter struct {
	cfg     Config
	name    string
	uri     string
	logger  logger.Logger
	timeout time.Duration

	client    *mongo.Client
	container store.Container

	ready     chan struct{}
	watchCtx  context.Context
	watchStop context.CancelFunc
	watchDone chan struct{}

	mu          sync.RWMutex
	initialized bool
	closed      bool
}

var _ store.Persistence = (*MongoDBAdapter)(nil)

// NewMongoDBAdapter validates and captures configuration. It does not touch
// the network; the connection is opened by Init.
func NewMongoDBAdapter(cfg Config, log logger.Logger) (*MongoDBAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mongodb provider name is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	name := sanitizeName(cfg.Name)
	return &MongoDBAdapter{
		cfg:     cfg,
		name:    name,
		uri:     cfg.connectionURI(),
		logger:  log.With("collection", name),
		timeout: cfg.OperationTimeout,
		ready:   make(chan struct{}),
	}, nil
}

// Init opens the store connection (or adopts the supplied client), prepares
// the TTL index, hydrates the container when FetchAll is set and starts
// change monitoring when MonitorChanges is set. It blocks until the container
// is usable and must be called exactly once.
func (a *MongoDBAdapter) Init(ctx context.Context, c store.Container) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("mongodb provider is closed")
	}
	if a.initialized {
		a.mu.Unlock()
		return fmt.Errorf("mongodb provider is already initialized")
	}
	a.initialized = true
	a.mu.Unlock()

	a.container = c

	if err := a.connect(ctx); err != nil {
		return err
	}

	if a.cfg.DocumentTTL {
		if err := a.ensureTTLIndex(ctx); err != nil {
			return fmt.Errorf("failed to create ttl index: %w", err)
		}
	}

	if a.cfg.FetchAll {
		if err := a.hydrate(ctx); err != nil {
			return fmt.Errorf("failed to hydrate container: %w", err)
		}
	}

	close(a.ready)

	if a.cfg.MonitorChanges {
		if err := a.startWatch(); err != nil {
			return fmt.Errorf("failed to open change stream: %w", err)
		}
	}

	a.logger.Info("MongoDB provider initialized",
		"database", a.cfg.databaseName(),
		"fetch_all", a.cfg.FetchAll,
		"monitor_changes", a.cfg.MonitorChanges,
	)
	return nil
}

func (a *MongoDBAdapter) connect(ctx context.Context) error {
	if a.cfg.Client != nil {
		a.logger.Warn("using supplied client; embedded documents decode with its registry, " +
			"field-level merge on update events needs bson.M (see Config.Client)")
		a.setClient(a.cfg.Client)
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	// Embedded documents decode to bson.M rather than bson.D so that values
	// read back from the store merge cleanly on update events. A supplied
	// Client keeps whatever registry its owner configured.
	registry := bson.NewRegistry()
	registry.RegisterTypeMapEntry(bsontype.EmbeddedDocument, reflect.TypeOf(bson.M{}))

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(a.uri).SetRegistry(registry))
	if err != nil {
		return fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping mongodb: %w", err)
	}

	a.setClient(client)
	return nil
}

func (a *MongoDBAdapter) setClient(client *mongo.Client) {
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
}

// ensureTTLIndex requests store-side expiry on expireAt with zero grace
// period, so records expire exactly at the stored instant.
func (a *MongoDBAdapter) ensureTTLIndex(ctx context.Context) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	_, err := a.collection().Indexes().CreateOne(opCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

// hydrate loads every stored record into the container through RawSet.
// Writing records back through the public set path would persist what was
// just read and, for TTL'd data, refresh expiry.
func (a *MongoDBAdapter) hydrate(ctx context.Context) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	cursor, err := a.collection().Find(opCtx, bson.D{})
	if err != nil {
		return err
	}
	defer cursor.Close(opCtx)

	count := 0
	for cursor.Next(opCtx) {
		var rec store.Record
		if err := cursor.Decode(&rec); err != nil {
			return err
		}
		a.container.RawSet(store.NormalizeKey(rec.ID), rec.Value)
		count++
	}
	if err := cursor.Err(); err != nil {
		return err
	}

	hydratedRecordsTotal.Add(float64(count))
	a.logger.Debug("container hydrated", "records", count)
	return nil
}

// Fetch performs a point lookup by key. It returns (nil, nil) when no record
// exists and never touches the in-memory container.
func (a *MongoDBAdapter) Fetch(ctx context.Context, key any) (*store.Record, error) {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	key = store.NormalizeKey(key)
	var rec store.Record
	err := a.collection().FindOne(opCtx, bson.M{"_id": key}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key %v: %w", key, err)
	}
	return &rec, nil
}

// Set upserts {_id: key, value: value}, replacing any previous document.
// The write is fire-and-forget: the store operation runs on its own goroutine
// and is never joined, so I/O failures are logged and counted but invisible
// to the caller. Only key validation fails synchronously.
func (a *MongoDBAdapter) Set(key, value any) error {
	if !store.ValidKey(key) {
		return store.ErrInvalidKey
	}
	key = store.NormalizeKey(key)
	a.upsert(key, store.Record{ID: key, Value: value})
	return nil
}

// SetWithTTL behaves like Set and additionally stamps the record with the
// instant the store should expire it at. Expiry is only enforced when the
// provider was configured with DocumentTTL.
func (a *MongoDBAdapter) SetWithTTL(key, value any, expireAt time.Time) error {
	if !store.ValidKey(key) {
		return store.ErrInvalidKey
	}
	key = store.NormalizeKey(key)
	a.upsert(key, store.Record{ID: key, Value: value, ExpireAt: &expireAt})
	return nil
}

// Delete removes the record for key, fire-and-forget like Set.
func (a *MongoDBAdapter) Delete(key any) error {
	if !store.ValidKey(key) {
		return store.ErrInvalidKey
	}
	key = store.NormalizeKey(key)
	a.fireAndForget(opDelete, key, func(ctx context.Context) error {
		_, err := a.collection().DeleteOne(ctx, bson.M{"_id": key})
		return err
	})
	return nil
}

func (a *MongoDBAdapter) upsert(key any, rec store.Record) {
	a.fireAndForget(opSet, key, func(ctx context.Context) error {
		_, err := a.collection().ReplaceOne(ctx, bson.M{"_id": key}, rec,
			options.Replace().SetUpsert(true))
		return err
	})
}

// fireAndForget launches a store write that is never joined. Failures are
// logged and counted but invisible to the caller.
func (a *MongoDBAdapter) fireAndForget(op string, key any, exec func(ctx context.Context) error) {
	writesTotal.WithLabelValues(op).Inc()
	go func() {
		if !a.connected(op, key) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := exec(ctx); err != nil {
			writeErrorsTotal.WithLabelValues(op).Inc()
			a.logger.Error("fire-and-forget write failed", "operation", op, "key", key, "error", err)
		}
	}()
}

// connected reports whether the provider holds a usable client, logging and
// counting the dropped write when it does not.
func (a *MongoDBAdapter) connected(op string, key any) bool {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		writeErrorsTotal.WithLabelValues(op).Inc()
		a.logger.Error("dropping write, provider is not initialized", "operation", op, "key", key)
		return false
	}
	return true
}

// BulkDelete removes every record in the collection and is awaited, unlike
// Set and Delete. The TTL index stays in place.
func (a *MongoDBAdapter) BulkDelete(ctx context.Context) error {
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	writesTotal.WithLabelValues(opBulkDelete).Inc()
	if _, err := a.collection().DeleteMany(opCtx, bson.D{}); err != nil {
		writeErrorsTotal.WithLabelValues(opBulkDelete).Inc()
		return fmt.Errorf("failed to bulk delete: %w", err)
	}
	return nil
}

// Ready returns a channel closed once Init has completed, including hydration
// when FetchAll is set. Callers must not assume the container is populated
// before it closes. The channel never closes when Init fails; check Init's
// error instead of waiting on Ready alone.
func (a *MongoDBAdapter) Ready() <-chan struct{} {
	return a.ready
}

func (a *MongoDBAdapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	client := a.client
	a.mu.RUnlock()
	if closed {
		return fmt.Errorf("mongodb provider is closed")
	}
	if client == nil {
		return fmt.Errorf("mongodb provider is not initialized")
	}
	return client.Ping(ctx, readpref.Primary())
}

func (a *MongoDBAdapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close tears down the change stream and disconnects the client. It is
// idempotent; no operation is valid on the provider afterwards.
func (a *MongoDBAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	client := a.client
	a.mu.Unlock()

	if a.watchStop != nil {
		a.watchStop()
		<-a.watchDone
	}

	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

func (a *MongoDBAdapter) collection() *mongo.Collection {
	return a.client.Database(a.cfg.databaseName()).Collection(a.name)
}

func (a *MongoDBAdapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}
