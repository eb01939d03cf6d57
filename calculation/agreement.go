// Package calculation applies calculation rules and calculated fields to a
// single agreement record.
package calculation

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/metadata"
)

// Reserved top-level field names. Scripts see them alongside the attribute
// bag and they win on a name collision.
const (
	FieldAgreementNumber = "agreementNumber"
	FieldStatus          = "status"
	FieldPremium         = "premium"
	FieldSumInsured      = "sumInsured"
	FieldEffectiveDate   = "effectiveDate"
	FieldExpirationDate  = "expirationDate"
)

// IsReserved reports whether name is one of the top-level agreement fields.
func IsReserved(name string) bool {
	switch name {
	case FieldAgreementNumber, FieldStatus, FieldPremium, FieldSumInsured, FieldEffectiveDate, FieldExpirationDate:
		return true
	}
	return false
}

// Agreement is one agreement record: a few typed top-level fields plus a
// flexible attribute bag described by the agreement type's metadata.
type Agreement struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	TypeCode        string         `json:"typeCode"`
	MarketContext   string         `json:"marketContext"`
	AgreementNumber string         `json:"agreementNumber,omitempty"`
	Status          string         `json:"status,omitempty"`
	Premium         *apd.Decimal   `json:"premium,omitempty"`
	SumInsured      *apd.Decimal   `json:"sumInsured,omitempty"`
	EffectiveDate   *time.Time     `json:"effectiveDate,omitempty"`
	ExpirationDate  *time.Time     `json:"expirationDate,omitempty"`
	Attributes      map[string]any `json:"attributes"`
}

// Key returns the agreement type the record belongs to.
func (a *Agreement) Key() metadata.TypeKey {
	return metadata.TypeKey{TenantID: a.TenantID, TypeCode: a.TypeCode, MarketContext: a.MarketContext}
}

// Record builds the evaluation context: attribute values first, numbers as
// decimals, then the reserved fields that are set.
func (a *Agreement) Record() map[string]any {
	rec := make(map[string]any, len(a.Attributes)+6)
	for k, v := range a.Attributes {
		rec[k] = decimalOrValue(v)
	}

	if a.AgreementNumber != "" {
		rec[FieldAgreementNumber] = a.AgreementNumber
	}
	if a.Status != "" {
		rec[FieldStatus] = a.Status
	}
	if a.Premium != nil {
		rec[FieldPremium] = a.Premium
	}
	if a.SumInsured != nil {
		rec[FieldSumInsured] = a.SumInsured
	}
	if a.EffectiveDate != nil {
		rec[FieldEffectiveDate] = *a.EffectiveDate
	}
	if a.ExpirationDate != nil {
		rec[FieldExpirationDate] = *a.ExpirationDate
	}
	return rec
}

func decimalOrValue(v any) any {
	switch v.(type) {
	case int, int32, int64, uint64, float32, float64:
		if d, err := expression.ToDecimal(v); err == nil {
			return d
		}
	}
	return v
}

// Set writes a value to a reserved field when name matches one, otherwise to
// the attribute bag.
func (a *Agreement) Set(name string, value any) error {
	switch name {
	case FieldAgreementNumber:
		a.AgreementNumber = fmt.Sprint(value)
	case FieldStatus:
		a.Status = fmt.Sprint(value)
	case FieldPremium, FieldSumInsured:
		d, err := expression.ToDecimal(value)
		if err != nil {
			return &expression.Error{Kind: expression.KindCoercion, Op: "set_field", Message: fmt.Sprintf("%s must be a decimal", name), Cause: err}
		}
		if name == FieldPremium {
			a.Premium = d
		} else {
			a.SumInsured = d
		}
	case FieldEffectiveDate, FieldExpirationDate:
		t, err := toTime(value)
		if err != nil {
			return &expression.Error{Kind: expression.KindCoercion, Op: "set_field", Message: fmt.Sprintf("%s must be a date", name), Cause: err}
		}
		if name == FieldEffectiveDate {
			a.EffectiveDate = &t
		} else {
			a.ExpirationDate = &t
		}
	default:
		if a.Attributes == nil {
			a.Attributes = make(map[string]any)
		}
		a.Attributes[name] = value
	}
	return nil
}

// Get reads a reserved field or attribute. Unset reserved fields report false.
func (a *Agreement) Get(name string) (any, bool) {
	if !IsReserved(name) {
		v, ok := a.Attributes[name]
		return v, ok
	}
	v, ok := a.Record()[name]
	return v, ok
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, nil
		}
		return time.Parse(time.DateOnly, s)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to a date", v)
	}
}

// Clone returns a copy that can be modified without touching a.
func (a *Agreement) Clone() *Agreement {
	c := *a
	if a.Premium != nil {
		c.Premium = new(apd.Decimal).Set(a.Premium)
	}
	if a.SumInsured != nil {
		c.SumInsured = new(apd.Decimal).Set(a.SumInsured)
	}
	if a.EffectiveDate != nil {
		t := *a.EffectiveDate
		c.EffectiveDate = &t
	}
	if a.ExpirationDate != nil {
		t := *a.ExpirationDate
		c.ExpirationDate = &t
	}
	c.Attributes = make(map[string]any, len(a.Attributes))
	for k, v := range a.Attributes {
		c.Attributes[k] = v
	}
	return &c
}
