package unit

// Specification is the self-describing usage descriptor published once per unit.
type Specification struct {
	Name                    string               `json:"name"`
	Description             string               `json:"description"`
	UsageSpecCharacteristic []SpecCharacteristic `json:"usageSpecCharacteristic"`
}

type SpecCharacteristic struct {
	Name                         string                    `json:"name"`
	Description                  string                    `json:"description"`
	Configurable                 bool                      `json:"configurable"`
	UsageSpecCharacteristicValue []SpecCharacteristicValue `json:"usageSpecCharacteristicValue"`
}

type SpecCharacteristicValue struct {
	ValueType string `json:"valueType"`
	Default   bool   `json:"default"`
	Value     string `json:"value"`
	ValueFrom string `json:"valueFrom"`
	ValueTo   string `json:"valueTo"`
}

// Characteristic names carried by every usage document, in order.
const (
	CharacteristicOrderID           = "orderId"
	CharacteristicProductID         = "productId"
	CharacteristicCorrelationNumber = "correlationNumber"
	CharacteristicUnit              = "unit"
	CharacteristicValue             = "value"
)

func newSpecification(unitName, description string) Specification {
	return Specification{
		Name:        unitName,
		Description: description,
		UsageSpecCharacteristic: []SpecCharacteristic{
			characteristic(CharacteristicOrderID, "Order identifier", SpecCharacteristicValue{ValueType: "string"}),
			characteristic(CharacteristicProductID, "Product identifier", SpecCharacteristicValue{ValueType: "string"}),
			characteristic(CharacteristicCorrelationNumber, "Accounting correlation number", SpecCharacteristicValue{ValueType: "number", ValueFrom: "0"}),
			characteristic(CharacteristicUnit, "Accounting unit", SpecCharacteristicValue{ValueType: "string", Default: true, Value: unitName}),
			characteristic(CharacteristicValue, "Accounting value", SpecCharacteristicValue{ValueType: "number", ValueFrom: "0"}),
		},
	}
}

func characteristic(name, description string, value SpecCharacteristicValue) SpecCharacteristic {
	return SpecCharacteristic{
		Name:                         name,
		Description:                  description,
		Configurable:                 false,
		UsageSpecCharacteristicValue: []SpecCharacteristicValue{value},
	}
}
