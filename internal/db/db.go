package db

import (
	"fmt"
	"log/slog"

	"treehole/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Init opens the Postgres connection and migrates the schema. TranslateError
// is on so unique-key violations surface as gorm.ErrDuplicatedKey, the
// distinct error kind the vote ledger special-cases.
func Init(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=treehole port=5432 sslmode=disable"
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	slog.Info("database ready")
	return gdb, nil
}

// Migrate creates or updates the schema. Shared with the test databases.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&models.User{},
		&models.Post{},
		&models.Comment{},
		&models.Vote{},
		&models.ModerationRecord{},
		&models.Report{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}

// EnsureAdmin creates the moderator account when it does not exist yet.
// Credentials come from the environment; no-op when unset.
func EnsureAdmin(gdb *gorm.DB, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	var count int64
	if err := gdb.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin := models.User{
		Username: "moderator",
		Email:    email,
		Password: string(hash),
		Role:     "admin",
	}
	if err := gdb.Create(&admin).Error; err != nil {
		return err
	}
	slog.Info("moderator account created", "email", email)
	return nil
}
