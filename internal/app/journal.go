package app

import (
	"context"
	"path/filepath"

	"mechx/internal/config"
	xerrors "mechx/internal/errors"
	"mechx/internal/journal"
)

// OpenJournal returns the configured request journal, or nil when the
// journal is disabled.
func OpenJournal(ctx context.Context, cfg *config.Config) (journal.Repository, error) {
	jc := cfg.Storage.Journal
	switch jc.Driver {
	case "none":
		return nil, nil
	case "", "file":
		repo, err := journal.NewFileRepository(jc.DataDir)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "mysql":
		repo, err := journal.NewSQLRepository(ctx, journal.MySQLConfig{
			DSN:             jc.DSN,
			MaxOpenConns:    jc.MaxOpenConns,
			MaxIdleConns:    jc.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(jc.ConnMaxLifetimeSeconds),
			ConnMaxIdleTime: config.Seconds(jc.ConnMaxIdleTimeSeconds),
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "sqlite":
		path := jc.DSN
		if path == "" {
			path = filepath.Join(jc.DataDir, "journal.db")
		}
		repo, err := journal.NewSQLiteRepository(ctx, path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "unsupported journal driver "+jc.Driver)
	}
}
