package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/quizcoin/reward-service/internal/domain"
	"github.com/quizcoin/reward-service/pkg/easyaccessclient"
)

// ProviderEasyAccess is the configured name of the EasyAccess adapter.
const ProviderEasyAccess = "easyaccess"

type easyAccessAPI interface {
	PurchaseAirtime(ctx context.Context, payload easyaccessclient.AirtimeRequest) (*easyaccessclient.Response, []byte, error)
	PurchaseData(ctx context.Context, payload easyaccessclient.DataRequest) (*easyaccessclient.Response, []byte, error)
	PurchaseExamPin(ctx context.Context, payload easyaccessclient.ExamPinRequest) (*easyaccessclient.Response, []byte, error)
	GetPlans(ctx context.Context, productType string) (json.RawMessage, error)
}

// EasyAccess adapts the EasyAccess API.
type EasyAccess struct {
	client easyAccessAPI
}

// NewEasyAccess wraps an EasyAccess API client.
func NewEasyAccess(client easyAccessAPI) *EasyAccess {
	return &EasyAccess{client: client}
}

func (e *EasyAccess) Name() string { return ProviderEasyAccess }

func (e *EasyAccess) PurchaseAirtime(ctx context.Context, order AirtimeOrder) Result {
	resp, raw, err := e.client.PurchaseAirtime(ctx, easyaccessclient.AirtimeRequest{
		Network:         order.Network.EasyAccess,
		Amount:          order.Amount,
		Phone:           order.Phone,
		ClientReference: order.RequestID,
	})
	return classifyEasyAccessCall(resp, raw, err)
}

func (e *EasyAccess) PurchaseData(ctx context.Context, order DataOrder) Result {
	resp, raw, err := e.client.PurchaseData(ctx, easyaccessclient.DataRequest{
		Network:          order.Network.EasyAccess,
		Phone:            order.Phone,
		DataPlan:         order.Plan.EasyAccessPlan,
		ClientReference:  order.RequestID,
		MaxAmountPayable: order.Plan.Price,
	})
	return classifyEasyAccessCall(resp, raw, err)
}

func (e *EasyAccess) PurchaseExamPin(ctx context.Context, order ExamPinOrder) Result {
	resp, raw, err := e.client.PurchaseExamPin(ctx, easyaccessclient.ExamPinRequest{
		Type:            order.Pin.EasyAccessType,
		Quantity:        order.Quantity,
		ClientReference: order.RequestID,
	})
	return classifyEasyAccessCall(resp, raw, err)
}

// Plans returns the provider's live plan list for a product type.
func (e *EasyAccess) Plans(ctx context.Context, productType string) (json.RawMessage, error) {
	return e.client.GetPlans(ctx, productType)
}

func classifyEasyAccessCall(resp *easyaccessclient.Response, raw []byte, err error) Result {
	if err != nil {
		var apiErr *easyaccessclient.APIError
		if errors.As(err, &apiErr) {
			var decoded easyaccessclient.Response
			if json.Unmarshal(apiErr.Body, &decoded) == nil && decoded.Success != "" {
				return classifyEasyAccess(&decoded, raw)
			}
		}
		return transportFailure(err, raw)
	}
	return classifyEasyAccess(resp, raw)
}

func isFalseSignal(v string) bool {
	return v == "false" || v == "false_disabled" || v == "0"
}

func isTrueSignal(v string) bool {
	return v == "true" || v == "1"
}

// classifyEasyAccess maps an EasyAccess envelope onto an outcome. The success flag
// may be at the top level or nested under data.
func classifyEasyAccess(resp *easyaccessclient.Response, raw []byte) Result {
	res := Result{Raw: rawOrNil(raw)}
	if resp == nil {
		res.Outcome = domain.OutcomeRejected
		res.Message = "empty response"
		return res
	}

	success := resp.Success.String()
	status := resp.Status.String()
	res.Message = strings.TrimSpace(resp.Message)
	if resp.Data != nil {
		if success == "" {
			success = resp.Data.Success.String()
		}
		if status == "" {
			status = resp.Data.Status.String()
		}
		if res.Message == "" {
			res.Message = strings.TrimSpace(resp.Data.Message)
		}
	}
	res.Reference = strings.TrimSpace(string(resp.ReferenceNo))
	if res.Reference == "" {
		res.Reference = strings.TrimSpace(resp.ClientReference)
	}

	switch {
	case isFalseSignal(success):
		res.Outcome = domain.OutcomeFailed
	case isFalseSignal(status) && !isTrueSignal(success):
		res.Outcome = domain.OutcomeFailed
	case isTrueSignal(success):
		switch status {
		case "", "true", "successful", "success", "delivered", "completed":
			res.Outcome = domain.OutcomeDelivered
		case "pending", "processing", "queued":
			res.Outcome = domain.OutcomePending
		case "failed", "reversed", "refunded":
			res.Outcome = domain.OutcomeFailed
		default:
			res.Outcome = domain.OutcomeRejected
		}
	default:
		res.Outcome = domain.OutcomeRejected
	}

	if res.Message == "" {
		res.Message = string(res.Outcome)
	}
	return res
}
