// Package logger provides structured logging for renderapm.
//
// The Logger interface accepts structured fields in three shapes, which may be
// mixed in a single call:
//
//	log.Warn("could not create apm span",
//	    "component", "header",
//	    logger.Field{Key: "agent", Value: "OTelAgent"},
//	    map[string]interface{}{"error": err},
//	)
//
// # Log Levels
//
// Supported log levels in order of severity:
//   - DEBUG: Detailed information for debugging ("trace" is folded into DEBUG)
//   - INFO: General informational messages
//   - WARN: Warning messages for potentially harmful situations
//   - ERROR: Error messages for serious problems
//
// # Configuration
//
// SimpleLogger reads its defaults from the environment:
//   - RENDERAPM_LOG_LEVEL (or LOG_LEVEL): minimum level
//   - RENDERAPM_LOG_FORMAT: json or text; json is chosen automatically
//     when KUBERNETES_SERVICE_HOST is present
//
// Child loggers created with WithField, WithFields or With share the parent's
// output but carry their own fields.
package logger
