package migrations

import (
	"context"
	"fmt"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"

	"ticket-engine/internal/store/sqlstore"
)

func init() {
	m.Register(func(app core.App) error {
		return sqlstore.Migrate(context.Background(), app.DB())
	}, func(app core.App) error {
		for _, table := range sqlstore.Tables {
			if _, err := app.DB().NewQuery(fmt.Sprintf("DROP TABLE IF EXISTS %s", table)).Execute(); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
}
