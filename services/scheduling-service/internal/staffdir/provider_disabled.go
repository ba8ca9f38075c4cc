//go:build !protogen

package staffdir

import "context"

// Provider answers whether a driver is currently active in the staff
// directory. A nil provider disables the guardrail; scheduling then trusts
// the caller's driver ids.
type Provider interface {
	IsActiveDriver(ctx context.Context, driverID string) (bool, error)
}

func NewProvider(_ string) (Provider, error) {
	return nil, nil
}
