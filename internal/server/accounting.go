package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	accountingdomain "github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/metering"
	"github.com/smallbiznis/accountingproxy/internal/unit"
)

type unitsResponse struct {
	Units []string `json:"units"`
}

type notifyResponse struct {
	*accountingdomain.NotificationResult
	Error *errorPayload `json:"error,omitempty"`
}

type recordsResponse struct {
	Records []accountingdomain.AccountingRecord `json:"records"`
}

type meterRequest struct {
	Customer      string    `json:"customer" binding:"required"`
	Domain        string    `json:"domain" binding:"required"`
	ServicePath   string    `json:"servicePath" binding:"required"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	StatusCode    int       `json:"statusCode"`
	RequestBytes  int64     `json:"requestBytes" binding:"gte=0"`
	ResponseBytes int64     `json:"responseBytes" binding:"gte=0"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

func (s *Server) ListUnits(c *gin.Context) {
	c.JSON(http.StatusOK, unitsResponse{Units: s.accountingSvc.Units()})
}

// NotifyAcquisitions sends all pending usage. Per-record failures are reported
// with 400 alongside the outcomes of the records that succeeded.
func (s *Server) NotifyAcquisitions(c *gin.Context) {
	result, err := s.accountingSvc.NotifyAll(c.Request.Context())
	if err != nil {
		if result == nil {
			AbortWithError(c, err)
			return
		}
		_ = c.Error(err)
		_, payload := mapError(err)
		c.JSON(http.StatusBadRequest, notifyResponse{NotificationResult: result, Error: &payload})
		return
	}

	c.JSON(http.StatusOK, notifyResponse{NotificationResult: result})
}

func (s *Server) CreateAcquisition(c *gin.Context) {
	var req accountingdomain.AcquisitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	c.Set(metering.ContextKeyUnit, req.Acquisition.Unit)

	record, err := s.accountingSvc.RegisterAcquisition(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (s *Server) DeleteAcquisition(c *gin.Context) {
	var req accountingdomain.AcquisitionKey
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	if err := s.accountingSvc.RemoveAcquisition(c.Request.Context(), req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) SaveToken(c *gin.Context) {
	var req accountingdomain.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	if err := s.accountingSvc.SetToken(c.Request.Context(), req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

func (s *Server) ListRecords(c *gin.Context) {
	records, err := s.accountingSvc.ListRecords(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []accountingdomain.AccountingRecord{}
	}

	c.JSON(http.StatusOK, recordsResponse{Records: records})
}

// Meter accepts a metering callback from an external proxy. The outcome is
// informational: a request that could not be metered is still accepted.
func (s *Server) Meter(c *gin.Context) {
	var req meterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	result := s.hook.Meter(context.WithoutCancel(c.Request.Context()), metering.Request{
		Customer:    req.Customer,
		Domain:      req.Domain,
		ServicePath: req.ServicePath,
		Info: unit.RequestInfo{
			Method:        req.Method,
			Path:          req.Path,
			StatusCode:    req.StatusCode,
			RequestBytes:  req.RequestBytes,
			ResponseBytes: req.ResponseBytes,
			StartedAt:     req.StartedAt,
			FinishedAt:    req.FinishedAt,
		},
	})
	c.Set(metering.ContextKeyUnit, result.Unit)

	c.JSON(http.StatusAccepted, result)
}
