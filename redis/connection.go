package redis

import (
	"crypto/tls"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis server backing the entity cache.
type Options struct {
	// Address of the Redis server or cluster proxy, "host:port".
	Address string
	// Username and Password authenticate against the server's ACL; both
	// may stay empty for an unprotected instance.
	Username string
	Password string
	// DB selects the logical database holding the cache rows.
	DB int
	// TLSConfig, when set, enables TLS on the connection.
	TLSConfig *tls.Config
}

// DefaultOptions targets an unauthenticated local server on the default
// database, the usual development setup.
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
	}
}

// Connection couples a live client with the options it was opened with.
type Connection struct {
	Client  *redis.Client
	Options Options
}

var (
	mux        sync.Mutex
	connection *Connection
)

// IsConnectionInstantiated reports whether the shared connection is open.
func IsConnectionInstantiated() bool {
	mux.Lock()
	defer mux.Unlock()
	return connection != nil
}

// OpenConnection opens the shared connection used by NewEntityCache. Repeated
// calls return the already-open connection; options of later calls are
// ignored until CloseConnection.
func OpenConnection(options Options) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()
	if connection != nil {
		return connection, nil
	}
	connection = openConnection(options)
	return connection, nil
}

// CloseConnection closes the shared connection if open.
func CloseConnection() error {
	mux.Lock()
	defer mux.Unlock()
	if connection == nil {
		return nil
	}
	err := closeConnection(connection)
	connection = nil
	return err
}

func openConnection(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		Addr:      options.Address,
		Username:  options.Username,
		Password:  options.Password,
		DB:        options.DB,
		TLSConfig: options.TLSConfig,
	})
	return &Connection{
		Client:  client,
		Options: options,
	}
}

func closeConnection(c *Connection) error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
