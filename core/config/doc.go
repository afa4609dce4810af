// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once and cached for
// subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/workbuffer/core/config"
//
//	type MongoConfig struct {
//		URI      string `env:"MONGO_URI,required"`
//		Database string `env:"MONGO_DB" envDefault:"workbuffer"`
//	}
//
//	func main() {
//		var cfg MongoConfig
//
//		// Load with error handling
//		if err := config.Load(&cfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&cfg)
//	}
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime:
//
//	var cfg1 MongoConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 MongoConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// Different types are cached independently:
//
//	type BufferConfig struct {
//		Concurrency int `env:"BUFFER_CONCURRENCY" envDefault:"5"`
//	}
//
//	type ConvoConfig struct {
//		DefaultDelay time.Duration `env:"CONVO_DEFAULT_DELAY" envDefault:"4s"`
//	}
//
//	// Each type has its own cache entry
//	config.MustLoad(&BufferConfig{})
//	config.MustLoad(&ConvoConfig{})
package config
