// Package mongo provides production-ready MongoDB client initialization,
// health checking, and the MongoDB-backed storage for the work buffer.
//
// This package wraps the official MongoDB Go driver with application-level retry logic
// optimized for cloud deployments, particularly MongoDB Atlas. It handles common deployment
// challenges like cold starts, network hiccups, and connection pool management.
//
// Both New and NewWithDatabase functions implement retry logic to handle MongoDB Atlas
// cold starts (5-8 seconds) and brief network interruptions that could otherwise cause
// application startup failures.
//
// Basic usage:
//
//	import (
//		"context"
//		"log"
//
//		"github.com/dmitrymomot/workbuffer/core/buffer"
//		"github.com/dmitrymomot/workbuffer/core/config"
//		"github.com/dmitrymomot/workbuffer/integration/database/mongo"
//	)
//
//	func main() {
//		ctx := context.Background()
//
//		// Load configuration from environment variables
//		var cfg mongo.Config
//		config.MustLoad(&cfg)
//
//		// Connect and build the buffer storage
//		db, err := mongo.NewWithDatabase(ctx, cfg, "workbuffer")
//		if err != nil {
//			log.Fatal("Failed to connect to database:", err)
//		}
//
//		storage, err := mongo.NewStorage(db)
//		if err != nil {
//			log.Fatal(err)
//		}
//		if err := storage.EnsureIndexes(ctx); err != nil {
//			log.Fatal(err)
//		}
//
//		coord, err := buffer.NewCoordinator(storage)
//		if err != nil {
//			log.Fatal(err)
//		}
//		coord.Start(ctx)
//		defer coord.Stop()
//	}
//
// # Configuration
//
// Configuration is handled through environment variables via the Config struct.
// The default values are optimized for MongoDB Atlas deployments:
//
//	MONGODB_URL                 (required)
//	MONGODB_CONNECT_TIMEOUT     (default: 10s)
//	MONGODB_MAX_POOL_SIZE       (default: 100)
//	MONGODB_MIN_POOL_SIZE       (default: 1)
//	MONGODB_MAX_CONN_IDLE_TIME  (default: 300s)
//	MONGODB_RETRY_WRITES        (default: true)
//	MONGODB_RETRY_READS         (default: true)
//	MONGODB_RETRY_ATTEMPTS      (default: 3)
//	MONGODB_RETRY_INTERVAL      (default: 5s)
//
// # Storage Semantics
//
// The Storage type implements buffer.Storage on a single collection:
//
//   - Claims use find-and-modify, so coordinators sharing the collection
//     never receive the same message.
//   - A partial unique index on (metadata.tenant_id, idempotency_key)
//     enforces deduplication while the holder is non-terminal; the key frees
//     itself when the message settles.
//   - A TTL index on expires_at reaps completed and failed messages after
//     their retention window. DLQ documents carry no expiry.
//
// Call EnsureIndexes once at startup before processing.
//
// # Health Checking
//
// The package provides a health check function for Kubernetes probes or HTTP endpoints:
//
//	client, err := mongo.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	healthCheck := mongo.Healthcheck(client)
//	if err := healthCheck(ctx); err != nil {
//		// database unhealthy
//	}
//
// # Error Handling
//
// The package defines domain-specific errors:
//
//	ErrFailedToConnectToMongo - Returned when all retry attempts are exhausted
//	ErrHealthcheckFailed      - Returned when health check ping fails
//
// The New function includes connection verification via Ping to ensure the connection
// is actually usable before returning.
package mongo
