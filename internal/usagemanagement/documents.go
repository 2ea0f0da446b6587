package usagemanagement

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/unit"
)

const (
	UsageTypeCB         = "CB"
	UsageStatusReceived = "Received"
	PartyRoleCustomer   = "customer"
)

// Usage is the document posted for one accounting cycle of one record.
type Usage struct {
	Date                time.Time             `json:"date"`
	Type                string                `json:"type"`
	Status              string                `json:"status"`
	UsageSpecification  UsageSpecificationRef `json:"usageSpecification"`
	UsageCharacteristic []UsageCharacteristic `json:"usageCharacteristic"`
	RelatedParty        []RelatedParty        `json:"relatedParty"`
}

type UsageSpecificationRef struct {
	Href string `json:"href"`
	Name string `json:"name"`
}

// UsageCharacteristic carries a string or a json.Number value.
type UsageCharacteristic struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type RelatedParty struct {
	Role string `json:"role"`
	ID   string `json:"id"`
	Href string `json:"href"`
}

type specificationResponse struct {
	Href string `json:"href"`
}

// NewUsage builds the notification for a record read from the store.
func NewUsage(date time.Time, baseURL, specHref string, record domain.AccountingRecord) Usage {
	return Usage{
		Date:   date.UTC(),
		Type:   UsageTypeCB,
		Status: UsageStatusReceived,
		UsageSpecification: UsageSpecificationRef{
			Href: specHref,
			Name: record.Unit,
		},
		UsageCharacteristic: []UsageCharacteristic{
			{Name: unit.CharacteristicOrderID, Value: record.OrderID},
			{Name: unit.CharacteristicProductID, Value: record.ProductID},
			{Name: unit.CharacteristicCorrelationNumber, Value: json.Number(strconv.FormatInt(record.CorrelationNumber, 10))},
			{Name: unit.CharacteristicUnit, Value: record.Unit},
			{Name: unit.CharacteristicValue, Value: json.Number(record.Value.String())},
		},
		RelatedParty: []RelatedParty{{
			Role: PartyRoleCustomer,
			ID:   record.Customer,
			Href: PartyHref(baseURL, record.Customer),
		}},
	}
}

func PartyHref(baseURL, customer string) string {
	return strings.TrimRight(baseURL, "/") + "/partyManagement/individual/" + customer
}
