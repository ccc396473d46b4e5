package natsbridge

import (
	"github.com/roach88/receipts/internal/billing"
	"github.com/roach88/receipts/internal/ir"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "billing"

// Subject suffixes. Full subjects are "<prefix>.<suffix>".
const (
	subjectQueryActive   = "query.active"
	subjectQueryHistory  = "query.history"
	subjectQueryProducts = "query.products"
	subjectConsume       = "consume"
	subjectAcknowledge   = "acknowledge"
	subjectLaunch        = "launch"
	subjectUpdated       = "purchases.updated"
	subjectFailed        = "purchases.failed"
	subjectConnected     = "connected"
)

func subject(prefix, suffix string) string {
	return prefix + "." + suffix
}

// request is the JSON body of every request subject.
type request struct {
	Type       ir.PurchaseType `json:"type,omitempty"`
	Token      string          `json:"token,omitempty"`
	ProductIDs []string        `json:"product_ids,omitempty"`
	AppUserID  string          `json:"app_user_id,omitempty"`
	Product    *ir.ProductInfo `json:"product,omitempty"`
}

// response is the JSON body of every reply. Error carries a transport-level
// failure on the serving side; Code carries the store's answer.
type response struct {
	Code      billing.ResponseCode         `json:"code"`
	Purchases map[string]ir.PurchaseRecord `json:"purchases,omitempty"`
	History   []ir.PurchaseRecord          `json:"history,omitempty"`
	Products  []ir.ProductInfo             `json:"products,omitempty"`
	Error     string                       `json:"error,omitempty"`
}

// event is the JSON body of push subjects.
type event struct {
	Purchases []ir.PurchaseRecord  `json:"purchases"`
	Code      billing.ResponseCode `json:"code"`
	Message   string               `json:"message,omitempty"`
}
