package revocation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/efbtools/chartstore/internal/catalog"
	"github.com/efbtools/chartstore/internal/observability"
)

// Applier turns validated events into catalog deletions.
type Applier struct {
	cat *catalog.Catalog
	log zerolog.Logger
}

func NewApplier(cat *catalog.Catalog, log zerolog.Logger) *Applier {
	return &Applier{cat: cat, log: log.With().Str("component", "revocation").Logger()}
}

func (a *Applier) Apply(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Op {
	case OpRevoke:
		if ev.PackageID != "" {
			if err := a.cat.Delete(ctx, ev.PackageID); err != nil {
				return fmt.Errorf("revoke %s: %w", ev.PackageID, err)
			}
			a.log.Info().Str("package", ev.PackageID).Str("source", ev.Source).Msg("package revoked")
		} else {
			deleted, err := a.cat.DeleteChart(ctx, ev.ChartID, ev.Cycle)
			if err != nil {
				return fmt.Errorf("revoke chart %s: %w", ev.ChartID, err)
			}
			a.log.Info().Str("chart", ev.ChartID).Str("cycle", ev.Cycle).
				Strs("packages", deleted).Str("source", ev.Source).Msg("chart revoked")
		}
	case OpSupersede:
		deleted, err := a.cat.DeleteSuperseded(ctx, ev.ChartID, ev.Cycle)
		if err != nil {
			return fmt.Errorf("supersede %s keep %s: %w", ev.ChartID, ev.Cycle, err)
		}
		a.log.Info().Str("chart", ev.ChartID).Str("cycle", ev.Cycle).
			Strs("packages", deleted).Str("source", ev.Source).Msg("superseded cycles removed")
	}

	observability.IncRevocation(ev.Op)
	return nil
}
