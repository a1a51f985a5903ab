package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// EntityType is the kind of business record a mutation targets
type EntityType string

const (
	EntityTypeSale            EntityType = "sale"
	EntityTypeExpense         EntityType = "expense"
	EntityTypeCustomer        EntityType = "customer"
	EntityTypeStockAdjustment EntityType = "product_stock_adjustment"
	EntityTypeLayawayPayment  EntityType = "layaway_payment"
	EntityTypeCashMovement    EntityType = "cash_movement"
	EntityTypeProduct         EntityType = "product"
)

// businessKeyFields maps each entity type to the payload field holding its natural key
var businessKeyFields = map[EntityType]string{
	EntityTypeSale:            "invoice_number",
	EntityTypeExpense:         "id",
	EntityTypeCustomer:        "id",
	EntityTypeStockAdjustment: "id",
	EntityTypeLayawayPayment:  "id",
	EntityTypeCashMovement:    "id",
	EntityTypeProduct:         "sku",
}

// EntityTypes returns every known entity type in a stable order
func EntityTypes() []EntityType {
	return []EntityType{
		EntityTypeSale,
		EntityTypeExpense,
		EntityTypeCustomer,
		EntityTypeStockAdjustment,
		EntityTypeLayawayPayment,
		EntityTypeCashMovement,
		EntityTypeProduct,
	}
}

// Valid reports whether the entity type is known
func (e EntityType) Valid() bool {
	_, ok := businessKeyFields[e]
	return ok
}

// BusinessKeyField returns the payload field used as the natural key
func (e EntityType) BusinessKeyField() string {
	return businessKeyFields[e]
}

// Operation is the kind of change a mutation applies
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is known
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// MutationStatus is the lifecycle state of a queued mutation
type MutationStatus string

const (
	MutationStatusPending         MutationStatus = "pending"
	MutationStatusInFlight        MutationStatus = "in_flight"
	MutationStatusSynced          MutationStatus = "synced"
	MutationStatusFailedPermanent MutationStatus = "failed_permanent"
)

// PendingMutation is a single create/update/delete intent waiting to reach the remote store
type PendingMutation struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	BusinessKey   string          `json:"businessKey"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Sequence      int64           `json:"sequence"`
	AttemptCount  int             `json:"attemptCount"`
	LastError     string          `json:"lastError,omitempty"`
	Status        MutationStatus  `json:"status"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitzero"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	SyncedAt      *time.Time      `json:"syncedAt,omitempty"`
}

// GroupKey identifies the entity group whose mutations must be applied in order
func (m PendingMutation) GroupKey() string {
	return string(m.EntityType) + "/" + m.BusinessKey
}

// Before reports whether m was queued before other. Mutations not yet stored
// have no sequence and fall back to their creation time.
func (m PendingMutation) Before(other PendingMutation) bool {
	if m.Sequence > 0 && other.Sequence > 0 {
		return m.Sequence < other.Sequence
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// BusinessKeyFromPayload extracts the natural key for the entity type from a JSON payload.
// Numeric keys are rendered without a fractional part.
func BusinessKeyFromPayload(entityType EntityType, payload json.RawMessage) (string, bool) {
	field := entityType.BusinessKeyField()
	if field == "" || len(payload) == 0 {
		return "", false
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return "", false
	}

	raw, ok := fields[field]
	if !ok {
		return "", false
	}

	var value interface{}
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return "", false
	}

	switch v := value.(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Validate checks the fields callers supply when enqueuing
func (m PendingMutation) Validate() []ErrorDetail {
	var details []ErrorDetail
	if !m.EntityType.Valid() {
		details = append(details, ErrorDetail{Field: "entityType", Issue: fmt.Sprintf("unknown entity type %q", m.EntityType)})
	}
	if !m.Operation.Valid() {
		details = append(details, ErrorDetail{Field: "operation", Issue: fmt.Sprintf("unknown operation %q", m.Operation)})
	}
	if m.Operation != OperationDelete && len(m.Payload) == 0 {
		details = append(details, ErrorDetail{Field: "payload", Issue: "payload is required for create and update"})
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		details = append(details, ErrorDetail{Field: "payload", Issue: "payload must be valid JSON"})
	}
	return details
}
