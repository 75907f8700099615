package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Reasons a cost check rejects.
const (
	ReasonDailyCap   = "daily_cap"
	ReasonHourlyCap  = "hourly_cap"
	ReasonLowBalance = "low_balance"
)

// SpendSource reads spend and balance from the ledger.
type SpendSource interface {
	SpentSince(ctx context.Context, userID int64, since time.Time) (decimal.Decimal, error)
	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
}

type CostLimits struct {
	Hourly     decimal.Decimal
	Daily      decimal.Decimal
	MinBalance decimal.Decimal
}

type CostDecision struct {
	Allowed bool
	Reason  string
	Message string
}

// SpendingStats summarizes a user's recent spend against the caps.
type SpendingStats struct {
	HourlySpent     decimal.Decimal `json:"hourly_spent"`
	DailySpent      decimal.Decimal `json:"daily_spent"`
	HourlyLimit     decimal.Decimal `json:"hourly_limit"`
	DailyLimit      decimal.Decimal `json:"daily_limit"`
	HourlyRemaining decimal.Decimal `json:"hourly_remaining"`
	DailyRemaining  decimal.Decimal `json:"daily_remaining"`
	Balance         decimal.Decimal `json:"balance"`
}

type CostController struct {
	src    SpendSource
	limits CostLimits
	log    *slog.Logger
	now    func() time.Time
}

func NewCostController(src SpendSource, limits CostLimits, log *slog.Logger) *CostController {
	if log == nil {
		log = slog.Default()
	}
	return &CostController{src: src, limits: limits, log: log, now: time.Now}
}

// Check applies the daily cap, the hourly cap and the minimum remaining
// balance, in that order. Read failures allow the request.
func (c *CostController) Check(ctx context.Context, userID int64, cost decimal.Decimal) CostDecision {
	now := c.now()

	daily, err := c.src.SpentSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return c.failOpen(userID, err)
	}
	if daily.Add(cost).GreaterThan(c.limits.Daily) {
		c.log.Warn("daily spend cap exceeded", "user_id", userID, "spent", daily.String(), "limit", c.limits.Daily.String())
		return CostDecision{Reason: ReasonDailyCap, Message: fmt.Sprintf(
			"daily spending limit reached: spent %s of %s, %s left",
			daily.StringFixed(2), c.limits.Daily.StringFixed(2), remaining(c.limits.Daily, daily).StringFixed(2))}
	}

	hourly, err := c.src.SpentSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return c.failOpen(userID, err)
	}
	if hourly.Add(cost).GreaterThan(c.limits.Hourly) {
		c.log.Warn("hourly spend cap exceeded", "user_id", userID, "spent", hourly.String(), "limit", c.limits.Hourly.String())
		return CostDecision{Reason: ReasonHourlyCap, Message: fmt.Sprintf(
			"hourly spending limit reached: spent %s of %s, %s left",
			hourly.StringFixed(2), c.limits.Hourly.StringFixed(2), remaining(c.limits.Hourly, hourly).StringFixed(2))}
	}

	balance, err := c.src.Balance(ctx, userID)
	if err != nil {
		return c.failOpen(userID, err)
	}
	if balance.Sub(cost).LessThan(c.limits.MinBalance) {
		c.log.Info("balance below threshold", "user_id", userID, "balance", balance.String(), "cost", cost.String())
		return CostDecision{Reason: ReasonLowBalance, Message: fmt.Sprintf(
			"insufficient funds: balance %s, cost %s, minimum remaining %s",
			balance.StringFixed(2), cost.StringFixed(2), c.limits.MinBalance.StringFixed(2))}
	}
	return CostDecision{Allowed: true}
}

func (c *CostController) failOpen(userID int64, err error) CostDecision {
	c.log.Warn("spend lookup failed, skipping cost caps", "user_id", userID, "error", err)
	return CostDecision{Allowed: true}
}

func (c *CostController) Stats(ctx context.Context, userID int64) (*SpendingStats, error) {
	now := c.now()
	hourly, err := c.src.SpentSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	daily, err := c.src.SpentSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	balance, err := c.src.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &SpendingStats{
		HourlySpent:     hourly,
		DailySpent:      daily,
		HourlyLimit:     c.limits.Hourly,
		DailyLimit:      c.limits.Daily,
		HourlyRemaining: remaining(c.limits.Hourly, hourly),
		DailyRemaining:  remaining(c.limits.Daily, daily),
		Balance:         balance,
	}, nil
}

func remaining(limit, spent decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, limit.Sub(spent))
}
