package redis

import (
	"os"

	"github.com/rs/zerolog"
)

// logger is the package-wide structured logger for operational events
// (dial attempts, handshake outcomes, protocol poisoning, redirections,
// topology refresh). It never logs command arguments or reply payloads.
// Override it with SetLogger; by default it is a quiet info-level logger
// writing to stderr.
var logger zerolog.Logger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Str("component", "redis").Logger()

// SetLogger replaces the package-wide logger used by Connection and
// Cluster for operational events.
func SetLogger(l zerolog.Logger) {
	logger = l
}
