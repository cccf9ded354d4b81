package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/unioslo/spine/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000001, down_20260301000001)
}

var entityModels = []any{
	(*models.Entity)(nil),
	(*models.Person)(nil),
	(*models.Account)(nil),
	(*models.Group)(nil),
	(*models.GroupMember)(nil),
	(*models.OU)(nil),
	(*models.Quarantine)(nil),
}

// up_20260301000001 creates the entity tables
func up_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating entity tables...")

	for _, model := range entityModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner_id ON accounts(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_member_id ON group_members(member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ous_parent_id ON ous(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quarantines_account_id ON quarantines(account_id)`,
	}
	for _, stmt := range indexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	fmt.Println(" OK")
	return nil
}

// down_20260301000001 drops the entity tables
func down_20260301000001(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping entity tables...")

	for i := len(entityModels) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(entityModels[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table for %T: %w", entityModels[i], err)
		}
	}

	fmt.Println(" OK")
	return nil
}
