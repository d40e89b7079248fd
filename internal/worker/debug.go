package worker

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("VOXCHAT_WORKER_DEBUG"), "1")

// debugLog writes regardless of the logger level once VOXCHAT_WORKER_DEBUG=1.
func debugLog(logger zerolog.Logger, format string, args ...any) {
	if workerDebugEnabled {
		logger.Log().Msgf(format, args...)
	}
}
