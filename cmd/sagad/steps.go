package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fortressi/orchestrate"
)

// Demo participants for an order-fulfillment saga. Each keeps its state in
// memory and keys every effect by saga ID, so forward and compensate are both
// idempotent: replaying an action after recovery changes nothing.

// orderParams is the saga-level parameter blob for the order-fulfillment plan.
type orderParams struct {
	SKU          string `json:"sku"`
	Quantity     int    `json:"quantity"`
	AmountCents  int64  `json:"amount_cents"`
	FailShipment bool   `json:"fail_shipment,omitempty"`
}

func decodeOrder(sc *orchestrate.StepContext) (orderParams, error) {
	var p orderParams
	if err := json.Unmarshal(sc.Params, &p); err != nil {
		return p, fmt.Errorf("decoding order params: %w", err)
	}
	if p.SKU == "" || p.Quantity <= 0 {
		return p, fmt.Errorf("order needs a sku and a positive quantity")
	}
	return p, nil
}

// inventoryService hands out stock reservations.
type inventoryService struct {
	mu       sync.Mutex
	stock    map[string]int
	reserved map[string]orderParams // saga ID -> reservation
}

func newInventoryService() *inventoryService {
	return &inventoryService{
		stock:    map[string]int{"widget": 100, "gadget": 25},
		reserved: make(map[string]orderParams),
	}
}

func (s *inventoryService) reserve(_ context.Context, sc *orchestrate.StepContext) (orchestrate.StepResult, error) {
	p, err := decodeOrder(sc)
	if err != nil {
		return orchestrate.StepResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.reserved[sc.SagaID]; done {
		return orchestrate.StepResult{Output: map[string]any{"sku": p.SKU, "quantity": p.Quantity}}, nil
	}
	if s.stock[p.SKU] < p.Quantity {
		return orchestrate.StepResult{}, fmt.Errorf("insufficient stock for %q: have %d, want %d", p.SKU, s.stock[p.SKU], p.Quantity)
	}
	s.stock[p.SKU] -= p.Quantity
	s.reserved[sc.SagaID] = p
	return orchestrate.StepResult{Output: map[string]any{"sku": p.SKU, "quantity": p.Quantity}}, nil
}

func (s *inventoryService) release(_ context.Context, sc *orchestrate.StepContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, done := s.reserved[sc.SagaID]
	if !done {
		// Nothing reserved for this saga; releasing is still a success.
		return nil
	}
	s.stock[p.SKU] += p.Quantity
	delete(s.reserved, sc.SagaID)
	return nil
}

// paymentService charges and refunds.
type paymentService struct {
	mu      sync.Mutex
	charges map[string]string // saga ID -> charge ID
}

func newPaymentService() *paymentService {
	return &paymentService{charges: make(map[string]string)}
}

func (s *paymentService) charge(_ context.Context, sc *orchestrate.StepContext) (orchestrate.StepResult, error) {
	p, err := decodeOrder(sc)
	if err != nil {
		return orchestrate.StepResult{}, err
	}
	if p.AmountCents <= 0 {
		return orchestrate.StepResult{}, fmt.Errorf("charge amount must be positive, got %d", p.AmountCents)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chargeID, done := s.charges[sc.SagaID]
	if !done {
		chargeID = uuid.NewString()
		s.charges[sc.SagaID] = chargeID
	}
	return orchestrate.StepResult{Output: map[string]any{"charge_id": chargeID, "amount_cents": p.AmountCents}}, nil
}

func (s *paymentService) refund(_ context.Context, sc *orchestrate.StepContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.charges, sc.SagaID)
	return nil
}

// shippingService dispatches shipments. It honors the fail_shipment param so
// compensation can be demonstrated end to end.
type shippingService struct {
	mu        sync.Mutex
	shipments map[string]string // saga ID -> shipment ID
}

func newShippingService() *shippingService {
	return &shippingService{shipments: make(map[string]string)}
}

func (s *shippingService) ship(_ context.Context, sc *orchestrate.StepContext) (orchestrate.StepResult, error) {
	p, err := decodeOrder(sc)
	if err != nil {
		return orchestrate.StepResult{}, err
	}
	if p.FailShipment {
		return orchestrate.StepResult{}, fmt.Errorf("carrier rejected shipment for %q", p.SKU)
	}

	var charge struct {
		ChargeID string `json:"charge_id"`
	}
	if err := sc.LookupOutput("charge-payment", &charge); err != nil {
		return orchestrate.StepResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shipmentID, done := s.shipments[sc.SagaID]
	if !done {
		shipmentID = uuid.NewString()
		s.shipments[sc.SagaID] = shipmentID
	}
	return orchestrate.StepResult{Output: map[string]any{"shipment_id": shipmentID, "charge_id": charge.ChargeID}}, nil
}

func (s *shippingService) cancelShipment(_ context.Context, sc *orchestrate.StepContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shipments, sc.SagaID)
	return nil
}

// registerPlans registers the demo participants and returns the plans the
// daemon serves, keyed by name.
func registerPlans(registry *orchestrate.StepRegistry) (map[string]*orchestrate.Plan, error) {
	inventory := newInventoryService()
	payments := newPaymentService()
	shipping := newShippingService()

	fulfillment, err := orchestrate.NewPlan("order-fulfillment", registry,
		orchestrate.NewStep("reserve-inventory", inventory.reserve, inventory.release),
		orchestrate.NewStep("charge-payment", payments.charge, payments.refund),
		orchestrate.NewStep("ship-order", shipping.ship, shipping.cancelShipment),
	)
	if err != nil {
		return nil, err
	}

	return map[string]*orchestrate.Plan{
		fulfillment.Name(): fulfillment,
	}, nil
}
