package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service is the administrative surface of the accounting pipeline.
type Service interface {
	Units() []string
	RegisterAcquisition(ctx context.Context, req AcquisitionRequest) (*AccountingRecord, error)
	RemoveAcquisition(ctx context.Context, req AcquisitionKey) error
	SetToken(ctx context.Context, req TokenRequest) error
	ListRecords(ctx context.Context) ([]AccountingRecord, error)
	NotifyAll(ctx context.Context) (*NotificationResult, error)
}

type AcquisitionRequest struct {
	OrderID     string             `json:"orderId" binding:"required"`
	ProductID   string             `json:"productId" binding:"required"`
	Customer    string             `json:"customer" binding:"required"`
	Acquisition AcquisitionDetails `json:"acquisition" binding:"required"`
}

type AcquisitionDetails struct {
	RoleID      string `json:"roleId" binding:"required"`
	Domain      string `json:"domain" binding:"required"`
	ServicePath string `json:"servicePath" binding:"required"`
	Unit        string `json:"unit" binding:"required"`
}

type AcquisitionKey struct {
	OrderID   string `json:"orderId" binding:"required"`
	ProductID string `json:"productId" binding:"required"`
}

type TokenRequest struct {
	APIKey string `json:"apiKey" binding:"required"`
}

// NotificationResult summarizes one notification run.
type NotificationResult struct {
	Sent     int                  `json:"sent"`
	Failed   int                  `json:"failed"`
	Outcomes []NotificationRecord `json:"outcomes"`
}

type NotificationRecord struct {
	OrderID           string          `json:"orderId"`
	ProductID         string          `json:"productId"`
	Unit              string          `json:"unit"`
	Value             decimal.Decimal `json:"value"`
	CorrelationNumber int64           `json:"correlationNumber"`
	Error             string          `json:"error,omitempty"`
}
