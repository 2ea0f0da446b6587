// Package domain contains the persistence models and contracts for usage accounting.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AccountingRecord is the running usage counter of one acquisition.
type AccountingRecord struct {
	OrderID           string          `gorm:"primaryKey;type:varchar(255)" json:"orderId"`
	ProductID         string          `gorm:"primaryKey;type:varchar(255)" json:"productId"`
	Customer          string          `gorm:"type:varchar(255);not null;index:idx_accounting_caller,priority:1" json:"customer"`
	Domain            string          `gorm:"type:varchar(255);not null;index:idx_accounting_caller,priority:2" json:"domain"`
	ServicePath       string          `gorm:"type:varchar(255);not null;index:idx_accounting_caller,priority:3" json:"servicePath"`
	RoleID            string          `gorm:"type:varchar(255);not null" json:"roleId"`
	Unit              string          `gorm:"type:varchar(64);not null" json:"unit"`
	Value             decimal.Decimal `gorm:"type:decimal(24,6);not null;default:0" json:"value"`
	CorrelationNumber int64           `gorm:"not null;default:0" json:"correlationNumber"`
	CreatedAt         time.Time       `gorm:"not null" json:"createdAt"`
	UpdatedAt         time.Time       `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (AccountingRecord) TableName() string { return "accounting" }

// Pending reports whether the record has usage waiting for notification.
func (r AccountingRecord) Pending() bool { return !r.Value.IsZero() }

// SpecificationReference stores where a unit's usage specification was published.
type SpecificationReference struct {
	Unit       string         `gorm:"primaryKey;type:varchar(64)"`
	Href       string         `gorm:"type:text;not null"`
	Descriptor datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (SpecificationReference) TableName() string { return "specification_refs" }

// APIToken is the credential sent to the usage management API. At most one row exists.
type APIToken struct {
	Token     string    `gorm:"primaryKey;type:varchar(255)"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (APIToken) TableName() string { return "api_tokens" }
