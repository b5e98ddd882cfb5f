package mixer

import (
	"context"

	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/routing"
)

// Mix routes value from req.Party to each item's destination through derived
// intermediates.
func (p *Program) Mix(ctx context.Context, req routing.Request) (routing.Result, error) {
	res, err := p.router.Mix(ctx, req)
	if err != nil {
		return routing.Result{}, err
	}

	if p.notifier != nil {
		transfers := make([]events.RouteTransfer, 0, len(res.Transfers))
		for _, t := range res.Transfers {
			transfers = append(transfers, events.RouteTransfer{
				Index:        t.Index,
				Intermediate: t.Intermediate,
				Destination:  t.Destination,
				Amount:       t.Amount,
				Funded:       t.Funded,
			})
		}
		if err := p.notifier.Routed(ctx, events.NewRoute(p.cfg.ProgramID, req.Nonce, res.Slot, transfers)); err != nil {
			p.log.Warn("route event not published", "nonce", req.Nonce, "err", err)
		}
	}
	return res, nil
}
