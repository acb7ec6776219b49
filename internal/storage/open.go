package storage

import (
	"errors"
	"strings"

	logx "notebot/pkg/logx"
)

// Open initializes the SQLite store at cfg.Path, creating the parent
// directory and applying migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
