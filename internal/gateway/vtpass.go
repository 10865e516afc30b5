package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/pkg/vtpassclient"
)

// ProviderVTpass is the configured name of the VTpass adapter.
const ProviderVTpass = "vtpass"

// vtpassFailureCodes are explicit VTpass rejections: the purchase was not made.
var vtpassFailureCodes = map[string]string{
	"011": "invalid arguments",
	"012": "product does not exist",
	"013": "amount below minimum",
	"016": "transaction failed",
	"017": "amount above maximum",
	"018": "low wallet balance",
	"019": "likely duplicate transaction",
	"021": "account locked",
	"022": "account suspended",
	"023": "api access not enabled",
	"024": "account inactive",
	"028": "product not whitelisted",
	"030": "biller not reachable",
	"085": "improper request id",
}

// vtpassPendingCodes mean the purchase may still complete.
var vtpassPendingCodes = map[string]string{
	"099": "transaction processing",
	// A reused request id means an earlier submission exists; only a requery
	// can tell whether it was fulfilled.
	"014": "request id already exists",
}

type vtpassAPI interface {
	Pay(ctx context.Context, payload vtpassclient.PayRequest) (*vtpassclient.Response, []byte, error)
	Requery(ctx context.Context, requestID string) (*vtpassclient.Response, []byte, error)
}

// VTpass adapts the VTpass API.
type VTpass struct {
	client vtpassAPI
}

// NewVTpass wraps a VTpass API client.
func NewVTpass(client vtpassAPI) *VTpass {
	return &VTpass{client: client}
}

func (v *VTpass) Name() string { return ProviderVTpass }

func (v *VTpass) PurchaseAirtime(ctx context.Context, order AirtimeOrder) Result {
	return v.pay(ctx, vtpassclient.PayRequest{
		RequestID: order.RequestID,
		ServiceID: order.Network.VTpassAirtime,
		Phone:     order.Phone,
		Amount:    order.Amount,
	})
}

func (v *VTpass) PurchaseData(ctx context.Context, order DataOrder) Result {
	return v.pay(ctx, vtpassclient.PayRequest{
		RequestID:     order.RequestID,
		ServiceID:     order.Network.VTpassData,
		BillersCode:   order.Phone,
		Phone:         order.Phone,
		VariationCode: order.Plan.VTpassVariation,
		Amount:        order.Plan.Price,
	})
}

func (v *VTpass) PurchaseExamPin(ctx context.Context, order ExamPinOrder) Result {
	return v.pay(ctx, vtpassclient.PayRequest{
		RequestID:     order.RequestID,
		ServiceID:     order.Pin.VTpassService,
		VariationCode: order.Pin.VTpassVariation,
		Quantity:      order.Quantity,
		Amount:        order.Pin.Price * int64(order.Quantity),
		Phone:         order.Phone,
	})
}

// Requery asks VTpass for the current state of requestID.
func (v *VTpass) Requery(ctx context.Context, requestID string) Result {
	resp, raw, err := v.client.Requery(ctx, requestID)
	return classifyVTpassCall(resp, raw, err)
}

func (v *VTpass) pay(ctx context.Context, payload vtpassclient.PayRequest) Result {
	resp, raw, err := v.client.Pay(ctx, payload)
	return classifyVTpassCall(resp, raw, err)
}

func classifyVTpassCall(resp *vtpassclient.Response, raw []byte, err error) Result {
	if err != nil {
		var apiErr *vtpassclient.APIError
		if errors.As(err, &apiErr) && apiErr.Code != "" {
			var decoded vtpassclient.Response
			if json.Unmarshal(apiErr.Body, &decoded) == nil {
				return classifyVTpass(&decoded, raw)
			}
		}
		return transportFailure(err, raw)
	}
	return classifyVTpass(resp, raw)
}

// classifyVTpass maps a decoded VTpass envelope onto an outcome.
func classifyVTpass(resp *vtpassclient.Response, raw []byte) Result {
	res := Result{Raw: rawOrNil(raw)}
	if resp == nil {
		res.Outcome = domain.OutcomeRejected
		res.Message = "empty response"
		return res
	}

	code := strings.TrimSpace(string(resp.Code))
	res.Reference = resp.TransactionID()
	res.Message = strings.TrimSpace(resp.ResponseDescription)

	if code == "000" {
		switch resp.TransactionStatus() {
		case "delivered":
			res.Outcome = domain.OutcomeDelivered
		case "pending", "initiated":
			res.Outcome = domain.OutcomePending
		case "failed", "reversed":
			res.Outcome = domain.OutcomeFailed
		default:
			res.Outcome = domain.OutcomeRejected
			if res.Message == "" {
				res.Message = "unrecognized transaction status"
			}
		}
		return res
	}

	if desc, ok := vtpassPendingCodes[code]; ok {
		res.Outcome = domain.OutcomePending
		if res.Message == "" {
			res.Message = desc
		}
		return res
	}
	if desc, ok := vtpassFailureCodes[code]; ok {
		res.Outcome = domain.OutcomeFailed
		if res.Message == "" {
			res.Message = desc
		}
		return res
	}

	res.Outcome = domain.OutcomeRejected
	if res.Message == "" {
		res.Message = "unknown response code " + code
	}
	return res
}
