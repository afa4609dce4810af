// Package logger provides structured logging utilities built on Go's standard
// slog package: a small factory with environment presets and a set of
// pre-built attribute helpers for the work buffer domain.
//
// # Basic Usage
//
// Create loggers using the factory function:
//
//	import "github.com/dmitrymomot/workbuffer/core/logger"
//
//	// Development: text format, debug level
//	log := logger.New(logger.WithDevelopment("workbuffer"))
//
//	// Production: JSON format, info level
//	log := logger.New(logger.WithProduction("workbuffer"))
//
//	// Custom configuration
//	log := logger.New(
//		logger.WithLevel(slog.LevelWarn),
//		logger.WithJSONFormatter(),
//		logger.WithOutput(os.Stderr),
//		logger.WithAttr(slog.String("service", "buffer")),
//	)
//
// # Attribute Helpers
//
// Helpers follow the empty-Attr pattern: nil or zero values yield an empty
// attribute that slog drops, so call sites need no nil checks:
//
//	log.Error("processing failed",
//		logger.Error(err),
//		logger.MessageID(msg.ID),
//		logger.MessageType(msg.Type),
//		logger.TenantID(msg.Metadata.TenantID),
//		logger.Attempt(msg.AttemptCount),
//	)
//
//	log.Info("batch claimed",
//		logger.WorkerID(workerID),
//		logger.Count("claimed", len(batch)),
//		logger.Elapsed(start),
//	)
//
// # Global Logger Setup
//
// Install a logger as the process default:
//
//	logger.SetAsDefault(logger.New(logger.WithProduction("workbuffer")))
//	slog.Info("using global logger", logger.Component("main"))
//
// # Testing with Custom Output
//
// Capture logs during testing:
//
//	var buf bytes.Buffer
//	log := logger.New(logger.WithJSONFormatter(), logger.WithOutput(&buf))
//	log.Info("test message", logger.Component("test"))
//	assert.Contains(t, buf.String(), `"component":"test"`)
package logger
