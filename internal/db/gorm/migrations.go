package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Core chat tables
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Project{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&ChatSession{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&ChatMessage{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("projects", "chat_sessions", "chat_messages")
			},
		},

		// Migration 002: Memory tables (summaries + extracted entries)
		{
			ID: "002_memory_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&MemorySummary{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&MemoryEntry{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("memory_summaries", "memory_entries")
			},
		},
	})

	return m.Migrate()
}
