// Package pricing resolves the ruble price of a provider action from admin
// overrides with a fallback to configured defaults.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reibot/backend/internal/models"
)

var (
	ErrNoPrice       = errors.New("pricing: no price configured")
	ErrNotFound      = errors.New("pricing: override not found")
	ErrInvalidPrice  = errors.New("pricing: price must not be negative")
	ErrEmptyProvider = errors.New("pricing: provider is required")
)

// Store persists overrides. Empty model or action act as wildcards.
type Store interface {
	Upsert(ctx context.Context, o *models.PricingOverride) error
	Get(ctx context.Context, provider, model, action string) (*models.PricingOverride, error)
	List(ctx context.Context) ([]*models.PricingOverride, error)
	Delete(ctx context.Context, provider, model, action string) (bool, error)
}

type Service struct {
	store    Store
	defaults map[string]decimal.Decimal
	log      *slog.Logger
}

// NewService takes defaults keyed "provider/model/action"; model and action
// may be empty, as in "kling//" or "nano_banana//edit".
func NewService(store Store, defaults map[string]decimal.Decimal, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, defaults: defaults, log: log}
}

// Key formats a defaults key.
func Key(provider, model, action string) string {
	return provider + "/" + model + "/" + action
}

func (s *Service) Set(ctx context.Context, provider, model, action string, price decimal.Decimal, updatedBy string) (*models.PricingOverride, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, ErrEmptyProvider
	}
	if price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	o := &models.PricingOverride{
		Provider:  provider,
		Model:     strings.TrimSpace(model),
		Action:    strings.TrimSpace(action),
		PriceRUB:  price,
		UpdatedBy: updatedBy,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.Upsert(ctx, o); err != nil {
		return nil, fmt.Errorf("upsert price: %w", err)
	}
	s.log.Info("price override set", "provider", o.Provider, "model", o.Model, "action", o.Action,
		"price", price.String(), "updated_by", updatedBy)
	return o, nil
}

func (s *Service) Get(ctx context.Context, provider, model, action string) (*models.PricingOverride, error) {
	return s.store.Get(ctx, provider, model, action)
}

func (s *Service) List(ctx context.Context) ([]*models.PricingOverride, error) {
	return s.store.List(ctx)
}

func (s *Service) Delete(ctx context.Context, provider, model, action string) error {
	ok, err := s.store.Delete(ctx, provider, model, action)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Price tries, most specific first, (provider, model, action),
// (provider, model, ""), (provider, "", action) and (provider, "", ""),
// each against overrides and then defaults.
func (s *Service) Price(ctx context.Context, provider, model, action string) (decimal.Decimal, error) {
	candidates := [][2]string{{model, action}, {model, ""}, {"", action}, {"", ""}}
	seen := make(map[[2]string]bool, len(candidates))

	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		o, err := s.store.Get(ctx, provider, c[0], c[1])
		if err == nil {
			return o.PriceRUB, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return decimal.Zero, err
		}
	}
	for _, c := range candidates {
		if p, ok := s.defaults[Key(provider, c[0], c[1])]; ok {
			return p, nil
		}
	}
	return decimal.Zero, ErrNoPrice
}
