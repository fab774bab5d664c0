package check

import (
	"context"
	"log/slog"
	"time"

	"github.com/addspin/meshca/store"
	"github.com/spf13/viper"
)

// StartSweep runs the expiry and retention sweep on a fixed interval
// until the context is cancelled. The first sweep runs immediately.
func StartSweep(ctx context.Context, st *store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	slog.Info("check: expiry sweep started", "interval", interval.String())

	sweep(ctx, st)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, st)
		}
	}
}

// sweep marks expired certificates and CAs and garbage-collects derived
// artifacts past their retention windows. A window of 0 disables the
// corresponding deletion.
func sweep(ctx context.Context, st *store.Store) {
	now := time.Now().UTC()

	expired, err := st.ExpireCertificates(ctx, now)
	if err != nil {
		slog.Error("check: certificate expiry sweep failed", "error", err)
	} else if expired > 0 {
		slog.Info("check: certificates expired", "count", expired)
	}

	expiredCAs, err := st.ExpireCAs(ctx, now)
	if err != nil {
		slog.Error("check: CA expiry sweep failed", "error", err)
	} else if expiredCAs > 0 {
		slog.Warn("check: CAs expired, issuance halted until replaced", "count", expiredCAs)
	}

	if days := viper.GetInt("retention.data_packages_days"); days > 0 {
		removed, err := st.DeleteExpiredPackages(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			slog.Error("check: data package retention sweep failed", "error", err)
		} else if removed > 0 {
			slog.Info("check: data packages garbage-collected", "count", removed)
		}
	}

	if days := viper.GetInt("retention.crls_days"); days > 0 {
		removed, err := st.DeleteSupersededCRLs(ctx, now.AddDate(0, 0, -days))
		if err != nil {
			slog.Error("check: CRL retention sweep failed", "error", err)
		} else if removed > 0 {
			slog.Info("check: superseded CRLs garbage-collected", "count", removed)
		}
	}
}
