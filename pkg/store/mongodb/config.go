package mongodb

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

const (
	defaultHost     = "localhost"
	defaultPort     = 27017
	defaultDatabase = "enmap"
)

// invalidNameRunes matches everything that is not safe to use as a collection
// name across backends with restrictive naming rules.
var invalidNameRunes = regexp.MustCompile(`[^a-z0-9_]`)

// Config holds construction-time provider configuration. It is read once by
// NewMongoDBAdapter and never mutated afterwards.
type Config struct {
	// Name is the logical collection identifier. Required. It is sanitized
	// to lowercase [a-z0-9_] before use.
	Name string

	User     string
	Password string

	// DBName defaults to "enmap".
	DBName string
	// Host defaults to "localhost".
	Host string
	// Port defaults to 27017.
	Port int

	// URL, when set, overrides all connection-derivation fields above.
	URL string

	// Client, when set, is an already-connected handle and overrides
	// URL-based connection entirely. The provider still owns its shutdown.
	// The handle keeps whatever decode registry its owner configured;
	// unless that registry maps embedded documents to bson.M, update events
	// from the change stream see bson.D values and field-level merges lose
	// sibling fields instead of keeping them.
	Client *mongo.Client

	// DocumentTTL requests a store-side expiration index on expireAt, with
	// records expiring exactly at the stored instant.
	DocumentTTL bool

	// MonitorChanges subscribes to the collection's change stream so that
	// mutations made by other processes are replayed into the container.
	MonitorChanges bool

	// FetchAll hydrates the full container from the store during Init.
	FetchAll bool

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// sanitizeName folds name to lowercase and replaces every rune outside
// [a-z0-9_] with an underscore.
func sanitizeName(name string) string {
	return invalidNameRunes.ReplaceAllString(strings.ToLower(name), "_")
}

// connectionURI derives the mongodb connection string from the host, port,
// credential and database fields, unless an explicit URL was supplied.
func (c Config) connectionURI() string {
	if c.URL != "" {
		return c.URL
	}

	host := c.Host
	if host == "" {
		host = defaultHost
	}
	port := c.Port
	if port == 0 {
		port = defaultPort
	}

	if c.User != "" && c.Password != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d/%s",
			url.QueryEscape(c.User), url.QueryEscape(c.Password), host, port, c.databaseName())
	}
	return fmt.Sprintf("mongodb://%s:%d/%s", host, port, c.databaseName())
}

func (c Config) databaseName() string {
	if c.DBName == "" {
		return defaultDatabase
	}
	return c.DBName
}
