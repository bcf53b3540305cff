package pg

import (
	"os"

	"github.com/decred/slog"
)

func startLogger() {
	logger := slog.NewBackend(os.Stdout).Logger("PG_DB_TEST")
	logger.SetLevel(slog.LevelDebug)
	log = logger
}
