package store

import (
	"context"
	"embed"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded .sql file in name order. The scripts are
// idempotent, so running them on an existing database is harmless.
func (s *SQLStore) Migrate(ctx context.Context, logger zerolog.Logger) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return errors.Wrapf(err, "read %s", e.Name())
		}
		if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
			return errors.Wrapf(err, "apply %s", e.Name())
		}
		logger.Info().Str("file", e.Name()).Msg("migration applied")
	}
	return nil
}
