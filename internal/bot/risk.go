package bot

import (
	"context"
	"paper-trading-bots/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	ReasonStopLoss   = "Stop Loss"
	ReasonTakeProfit = "Take Profit"
)

// RiskExit decides whether a position must be closed at price. It returns the close reason, or ""
// to keep the position.
func RiskExit(p models.Position, price float64, risk models.RiskSettings) string {
	pct := p.ProfitPercent(price)
	if risk.StopLossEnabled && risk.StopLossPercentage > 0 && pct <= -risk.StopLossPercentage {
		return ReasonStopLoss
	}
	if risk.TakeProfitEnabled && risk.TakeProfitPercentage > 0 && pct >= risk.TakeProfitPercentage {
		return ReasonTakeProfit
	}
	return ""
}

// checkRisk is the body of the shared risk loop: stop-loss and take-profit on every open position
// of the bot's symbol, then the strategy's own exit rules.
func (b *Bot) checkRisk(ctx context.Context, env *Env) error {
	var errs error

	risk := b.cfg.Risk
	if risk.StopLossEnabled || risk.TakeProfitEnabled {
		errs = multierr.Append(errs, b.enforceRisk(ctx, env, risk))
	}
	if rc, ok := b.strategy.(RiskChecker); ok {
		errs = multierr.Append(errs, rc.CheckRisk(ctx, env))
	}
	return errs
}

func (b *Bot) enforceRisk(ctx context.Context, env *Env, risk models.RiskSettings) error {
	positions, err := env.OpenPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	price, err := env.Price(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, p := range positions {
		reason := RiskExit(p, price, risk)
		if reason == "" {
			continue
		}
		env.Logger.Info("触发风控平仓",
			zap.String("position_id", p.ID),
			zap.String("reason", reason),
			zap.Float64("entry", p.EntryPrice),
			zap.Float64("price", price),
			zap.Float64("profit_pct", p.ProfitPercent(price)),
		)
		if _, err := env.Close(ctx, p, reason); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
