//go:build protogen

package staffdir

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/medtransit/scheduling/libs/grpcx"
	staffv1 "github.com/medtransit/scheduling/protos/gen/staff/v1"
)

// Provider answers whether a driver is currently active in the staff
// directory. A nil provider disables the guardrail; scheduling then trusts
// the caller's driver ids.
type Provider interface {
	IsActiveDriver(ctx context.Context, driverID string) (bool, error)
}

type grpcProvider struct {
	client staffv1.StaffDirectoryClient
}

func NewProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: staffv1.NewStaffDirectoryClient(conn)}, nil
}

func (p *grpcProvider) IsActiveDriver(ctx context.Context, driverID string) (bool, error) {
	// AsOfUtc pins the employment check to the moment of the request; the
	// directory applies pending start and termination dates against it.
	resp, err := p.client.GetStaffMember(ctx, &staffv1.StaffMemberRequest{
		UserId:  driverID,
		AsOfUtc: timestamppb.New(time.Now().UTC()),
	})
	if err != nil {
		return false, err
	}
	return resp.GetIsActive() && resp.GetRole() == "driver", nil
}
