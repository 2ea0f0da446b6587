package metering

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/accountingproxy/internal/unit"
)

const (
	HeaderNickName    = "X-Nick-Name"
	HeaderService     = "Fiware-Service"
	HeaderServicePath = "Fiware-ServicePath"

	// ContextKeyUnit carries the billed unit to the request log line.
	ContextKeyUnit = "accounting_unit"
)

// HeaderConfig names the request headers carrying the caller identity.
type HeaderConfig struct {
	Customer    string
	Domain      string
	ServicePath string
}

func DefaultHeaderConfig() HeaderConfig {
	return HeaderConfig{
		Customer:    HeaderNickName,
		Domain:      HeaderService,
		ServicePath: HeaderServicePath,
	}
}

func (h HeaderConfig) withDefaults() HeaderConfig {
	defaults := DefaultHeaderConfig()
	if strings.TrimSpace(h.Customer) == "" {
		h.Customer = defaults.Customer
	}
	if strings.TrimSpace(h.Domain) == "" {
		h.Domain = defaults.Domain
	}
	if strings.TrimSpace(h.ServicePath) == "" {
		h.ServicePath = defaults.ServicePath
	}
	return h
}

// GinMiddleware meters every request after the downstream handlers ran.
func GinMiddleware(hook *Hook, headers HeaderConfig) gin.HandlerFunc {
	headers = headers.withDefaults()
	return func(c *gin.Context) {
		started := hook.clock.Now()
		c.Next()

		req := Request{
			Customer:    c.GetHeader(headers.Customer),
			Domain:      c.GetHeader(headers.Domain),
			ServicePath: c.GetHeader(headers.ServicePath),
			Info: unit.RequestInfo{
				Method:        c.Request.Method,
				Path:          c.Request.URL.Path,
				StatusCode:    c.Writer.Status(),
				RequestBytes:  nonNegative(c.Request.ContentLength),
				ResponseBytes: nonNegative(int64(c.Writer.Size())),
				StartedAt:     started,
				FinishedAt:    hook.clock.Now(),
			},
		}

		// client disconnects must not drop usage that was already served
		result := hook.Meter(context.WithoutCancel(c.Request.Context()), req)
		if result.Unit != unitUnbilled {
			c.Set(ContextKeyUnit, result.Unit)
		}
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
