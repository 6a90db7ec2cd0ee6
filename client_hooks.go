package x402

import (
	"context"
)

// ============================================================================
// Client Hook Context Types
// ============================================================================

// PaymentCreationContext contains information passed to payment creation hooks
// Uses view interfaces for version-agnostic hooks
type PaymentCreationContext struct {
	Ctx                  context.Context
	Version              int // V1 or V2
	SelectedRequirements PaymentRequirementsView
}

// PaymentCreatedContext contains payment creation result and context
type PaymentCreatedContext struct {
	PaymentCreationContext
	Payload PaymentPayloadView
}

// PaymentCreationFailureContext contains payment creation failure and context
type PaymentCreationFailureContext struct {
	PaymentCreationContext
	Error error
}

// ============================================================================
// Client Hook Result Types
// ============================================================================

// BeforePaymentCreationHookResult represents the result of a "before payment creation" hook
// Abort and Reason carry a hook's request to stop payment creation; the client's
// payload creation methods do not read them
type BeforePaymentCreationHookResult struct {
	Abort  bool
	Reason string
}

// PaymentCreationFailureHookResult represents the result of a payment creation failure hook
// Recovered and Payload carry a hook's replacement payload; the client's
// payload creation methods do not read them
type PaymentCreationFailureHookResult struct {
	Recovered bool
	Payload   PaymentPayloadView
}

// ============================================================================
// Client Hook Function Types
// ============================================================================

// BeforePaymentCreationHook is the signature of a "before payment creation" hook.
// The client stores registered hooks of this type; CreatePaymentPayload and
// CreatePaymentPayloadV1 do not call them, so an Abort result has no effect.
type BeforePaymentCreationHook func(PaymentCreationContext) (*BeforePaymentCreationHookResult, error)

// AfterPaymentCreationHook is the signature of an "after payment creation" hook.
// The client stores registered hooks of this type; CreatePaymentPayload and
// CreatePaymentPayloadV1 do not call them.
type AfterPaymentCreationHook func(PaymentCreatedContext) error

// OnPaymentCreationFailureHook is the signature of a "payment creation failure" hook.
// The client stores registered hooks of this type; CreatePaymentPayload and
// CreatePaymentPayloadV1 do not call them, so a failure is never recovered.
type OnPaymentCreationFailureHook func(PaymentCreationFailureContext) (*PaymentCreationFailureHookResult, error)

// ============================================================================
// Client Hook Registration Options
// ============================================================================

// WithBeforePaymentCreationHook stores a "before payment creation" hook on the client
// (see BeforePaymentCreationHook: payload creation does not call it)
func WithBeforePaymentCreationHook(hook BeforePaymentCreationHook) ClientOption {
	return func(c *x402Client) {
		c.beforePaymentCreationHooks = append(c.beforePaymentCreationHooks, hook)
	}
}

// WithAfterPaymentCreationHook stores an "after payment creation" hook on the client
// (see AfterPaymentCreationHook: payload creation does not call it)
func WithAfterPaymentCreationHook(hook AfterPaymentCreationHook) ClientOption {
	return func(c *x402Client) {
		c.afterPaymentCreationHooks = append(c.afterPaymentCreationHooks, hook)
	}
}

// WithOnPaymentCreationFailureHook stores a "payment creation failure" hook on the client
// (see OnPaymentCreationFailureHook: payload creation does not call it)
func WithOnPaymentCreationFailureHook(hook OnPaymentCreationFailureHook) ClientOption {
	return func(c *x402Client) {
		c.onPaymentCreationFailureHooks = append(c.onPaymentCreationFailureHooks, hook)
	}
}
