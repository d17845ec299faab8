// Package quota computes storage usage snapshots and enforces the byte
// budget before an upload is accepted. Usage is always derived from active
// file rows, never stored.
package quota

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
)

// Accountant answers quota questions by delegating to the provider serving
// the scope: the local provider sums active file rows against the configured
// ceiling, the remote provider reports the remote account's own quota and
// bypasses the local ceiling entirely.
type Accountant struct {
	providers *provider.Resolver
	logger    *slog.Logger
}

// New creates a quota accountant over the provider resolver.
func New(providers *provider.Resolver, logger *slog.Logger) *Accountant {
	return &Accountant{providers: providers, logger: logger}
}

// Snapshot returns the current usage snapshot for the scope.
// A QuotaInBytes of 0 means no ceiling applies.
func (a *Accountant) Snapshot(ctx context.Context, t drive.ProviderType, scope drive.Scope) (*drive.Quota, error) {
	p, err := a.providers.ForType(t)
	if err != nil {
		return nil, err
	}

	return p.Quota(ctx, scope)
}

// CheckUpload verifies that accepting declaredSize additional bytes keeps
// the scope within budget. Called before chunk 0 of a new upload is
// persisted, so a rejected upload leaves no session behind.
func (a *Accountant) CheckUpload(ctx context.Context, t drive.ProviderType, scope drive.Scope, declaredSize int64) error {
	q, err := a.Snapshot(ctx, t, scope)
	if err != nil {
		return err
	}

	if q.QuotaInBytes <= 0 {
		return nil
	}

	if q.UsedInBytes+declaredSize > q.QuotaInBytes {
		a.logger.Info("upload rejected over quota",
			slog.String("owner", scope.Owner),
			slog.Int64("used", q.UsedInBytes),
			slog.Int64("declared", declaredSize),
			slog.Int64("quota", q.QuotaInBytes),
		)

		return fmt.Errorf("%w: %d used + %d declared exceeds %d",
			drive.ErrQuotaExceeded, q.UsedInBytes, declaredSize, q.QuotaInBytes)
	}

	return nil
}
