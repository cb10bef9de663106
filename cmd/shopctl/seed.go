package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/popkunst/storefront/internal/domain/auth"
	"github.com/popkunst/storefront/internal/domain/product"
	"github.com/popkunst/storefront/internal/handler"
	"github.com/popkunst/storefront/internal/storage/postgres"
)

// productJSON is a catalog entry in the seed file. Price is in NOK.
type productJSON struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Price     decimal.Decimal `json:"price"`
	Kind      string          `json:"kind"`
	Stock     int             `json:"stock"`
	Available *bool           `json:"available"`
	Image     string          `json:"image"`
}

type productUpserter interface {
	Upsert(ctx context.Context, p product.Product) error
}

type apiKeyUpserter interface {
	Upsert(ctx context.Context, k auth.APIKeyInfo) error
}

func seedCmd() *cobra.Command {
	var (
		productsFile string
		apiKey       string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load catalog products and the admin API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey = os.Getenv("SHOP_SEED_API_KEY")
			}
			if apiKey != "" && cfg.APIKeyPepper == "" {
				return errors.New("API key pepper is required to seed a key: set SHOP_API_KEY_PEPPER")
			}

			f, err := os.Open(productsFile)
			if err != nil {
				return errors.Wrap(err, "open products file")
			}
			defer func() { _ = f.Close() }()
			products, err := parseProducts(f)
			if err != nil {
				return errors.Wrapf(err, "parse %s", productsFile)
			}

			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return errors.Wrap(err, "connect to database")
			}
			defer pool.Close()

			if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
				return errors.Wrap(err, "run migrations")
			}
			if err := seedProducts(ctx, postgres.NewProductRepository(pool), products); err != nil {
				return errors.Wrap(err, "seed products")
			}
			if apiKey == "" {
				zctx.From(ctx).Info("No API key given, skipping")
				return nil
			}
			return seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, []byte(cfg.APIKeyPepper))
		},
	}
	cmd.Flags().StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "admin API key to seed (or SHOP_SEED_API_KEY env)")
	return cmd
}

func parseProducts(r io.Reader) ([]product.Product, error) {
	var entries []productJSON
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "decode products")
	}

	products := make([]product.Product, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" || e.Title == "" {
			return nil, errors.Errorf("product %q: id and title are required", e.ID)
		}
		ore := e.Price.Mul(hundred)
		if !ore.IsInteger() || ore.IsNegative() {
			return nil, errors.Errorf("product %s: price %s is not a whole øre amount", e.ID, e.Price)
		}

		p := product.Product{
			ID:            e.ID,
			Title:         e.Title,
			Price:         ore.IntPart(),
			Kind:          product.Kind(e.Kind),
			StockQuantity: e.Stock,
			IsAvailable:   e.Available == nil || *e.Available,
			ImageRef:      e.Image,
		}
		switch p.Kind {
		case "":
			p.Kind = product.KindPrint
		case product.KindOriginal:
			// One of a kind.
			p.StockQuantity = min(p.StockQuantity, 1)
		case product.KindPrint:
		default:
			return nil, errors.Errorf("product %s: unknown kind %q", e.ID, e.Kind)
		}
		if p.StockQuantity < 0 {
			return nil, errors.Errorf("product %s: negative stock", e.ID)
		}
		products = append(products, p)
	}
	return products, nil
}

func seedProducts(ctx context.Context, repo productUpserter, products []product.Product) error {
	lg := zctx.From(ctx)
	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		lg.Info("Upserted product", zap.String("id", p.ID), zap.String("title", p.Title))
	}
	return nil
}

func seedAPIKey(ctx context.Context, repo apiKeyUpserter, key string, pepper []byte) error {
	if err := repo.Upsert(ctx, auth.APIKeyInfo{
		ID:      "admin",
		KeyHash: handler.HashAPIKey(key, pepper),
		Name:    "Admin key",
		Scopes:  []string{handler.AdminScope},
	}); err != nil {
		return errors.Wrap(err, "upsert admin API key")
	}
	zctx.From(ctx).Info("Upserted API key", zap.String("id", "admin"))
	return nil
}
