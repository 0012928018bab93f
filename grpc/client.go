package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/engine"
)

// ErrPaymentPending is returned when the payer needs a wallet signature
// before the call can be retried.
var ErrPaymentPending = errors.New("x402: payment awaiting wallet signature")

// Payer pays one requirement. *engine.Engine implements it.
type Payer interface {
	Pay(ctx context.Context, req *x402.Requirement) (*engine.Settlement, error)
}

// UnaryClientInterceptor pays for calls refused with RESOURCE_EXHAUSTED and
// retries them once with the proof in the x402-payment metadata. A
// RESOURCE_EXHAUSTED whose message is not a payment requirement is returned
// as it is.
func UnaryClientInterceptor(payer Payer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if status.Code(err) != codes.ResourceExhausted {
			return err
		}
		st, _ := status.FromError(err)
		requirement, perr := DecodePaymentRequired(st.Message())
		if perr != nil {
			return err
		}
		if requirement.Resource == "" {
			requirement.Resource = method
		}

		settlement, err := payer.Pay(ctx, requirement)
		if err != nil {
			return err
		}
		if settlement.Proof == nil {
			if settlement.Session != nil {
				return fmt.Errorf("%w: session %s", ErrPaymentPending, settlement.Session.ID)
			}
			return ErrPaymentPending
		}

		header, err := x402.EncodeProof(settlement.Proof)
		if err != nil {
			return fmt.Errorf("failed to encode payment proof: %w", err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, MetadataKeyPayment, header)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
