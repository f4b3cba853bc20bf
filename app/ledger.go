package app

import (
	"context"
	"fmt"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/config"
	"github.com/arifwicaksono2000/botapp-trader/database"
	"github.com/arifwicaksono2000/botapp-trader/database/models"
	"github.com/arifwicaksono2000/botapp-trader/ladder"
	"github.com/arifwicaksono2000/botapp-trader/ledger"
	"github.com/arifwicaksono2000/botapp-trader/ledger/memory"
	"github.com/arifwicaksono2000/botapp-trader/logger"
)

// SeedFromFile builds the bootstrap data from a milestones file and the
// configured subaccount and token.
func SeedFromFile(cfg *config.Config, path string) (ledger.SeedData, *ladder.Ladder, error) {
	file, l, err := ladder.LoadFile(path)
	if err != nil {
		return ledger.SeedData{}, nil, err
	}

	data := ledger.SeedData{
		Milestones:     file.Milestones,
		InitialLevelID: file.InitialLevel,
		Subaccount: &models.Subaccount{
			AccountID: cfg.CTrader.AccountID,
			Balance:   cfg.Seed.InitialBalance,
			IsDefault: true,
		},
	}
	if cfg.Seed.AccessToken != "" && cfg.Seed.RefreshToken != "" {
		data.Token = &models.Token{
			AccessToken:  cfg.Seed.AccessToken,
			RefreshToken: cfg.Seed.RefreshToken,
			IsUsed:       true,
			ExpiresAt:    time.Now().UTC().Add(cfg.Seed.TokenTTL),
		}
	}
	return data, l, nil
}

// Migrate creates the schema and, when seedPath is set, seeds it.
func Migrate(ctx context.Context, cfg *config.Config, seedPath string) error {
	db, err := connect(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := database.NewLedgerRepository(db)
	if err := repo.InitSchema(ctx); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	logger.Infof("Schema ready")

	if seedPath == "" {
		return nil
	}
	data, _, err := SeedFromFile(cfg, seedPath)
	if err != nil {
		return err
	}
	if err := repo.Seed(ctx, data); err != nil {
		return fmt.Errorf("seeding failed: %w", err)
	}
	logger.Infof("Seeded %d milestones from %s", len(data.Milestones), seedPath)
	return nil
}

func connect(cfg *config.Config) (*database.Database, error) {
	db, err := database.Connect(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.User,
		cfg.Database.Password,
	)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

// openLedger returns the configured store and the ladder it holds. The
// memory driver is seeded from the milestones file on every start.
func (a *App) openLedger(ctx context.Context) (ledger.Store, *ladder.Ladder, error) {
	if a.config.Database.Driver == "memory" {
		data, l, err := SeedFromFile(a.config, a.config.Seed.MilestonesFile)
		if err != nil {
			return nil, nil, err
		}
		store := memory.New()
		if err := store.Seed(ctx, data); err != nil {
			return nil, nil, err
		}
		logger.Warnf("Using the in-memory ledger, nothing will be persisted")
		return store, l, nil
	}

	db, err := connect(a.config)
	if err != nil {
		return nil, nil, err
	}
	a.db = db

	repo := database.NewLedgerRepository(db)
	if err := repo.InitSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("schema initialization failed: %w", err)
	}
	milestones, err := repo.Milestones(ctx)
	if err != nil {
		return nil, nil, err
	}
	l, err := ladder.New(milestones)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid milestone ladder (run migrate --seed?): %w", err)
	}
	return repo, l, nil
}
