package ap

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Activity shape failures, raised before any handler runs.
var (
	ErrPayloadTooLarge   = errors.New("payload_too_large")
	ErrContentTooLarge   = errors.New("content_too_large")
	ErrInvalidJSON       = errors.New("invalid_json")
	ErrInvalidActivityID = errors.New("invalid_activity_id")
	ErrInvalidActorURI   = errors.New("invalid_actor_uri")
	ErrMissingType       = errors.New("missing_type")
	ErrMissingObject     = errors.New("missing_object")
)

const (
	// DefaultMaxPayloadSize bounds the raw inbox body before JSON parsing.
	DefaultMaxPayloadSize = 256 << 10
	// DefaultMaxContentSize bounds a single content field after parsing.
	DefaultMaxContentSize = 64 << 10
)

// Validator enforces activity shape and size limits on inbound payloads.
type Validator struct {
	MaxPayloadSize int64
	MaxContentSize int
}

func NewValidator(maxPayload int64, maxContent int) *Validator {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if maxContent <= 0 {
		maxContent = DefaultMaxContentSize
	}
	return &Validator{MaxPayloadSize: maxPayload, MaxContentSize: maxContent}
}

// Parse checks the payload size, decodes the activity and validates its
// shape. The size check runs before any JSON work.
func (v *Validator) Parse(payload []byte) (*IncomingActivity, error) {
	if int64(len(payload)) > v.MaxPayloadSize {
		return nil, fmt.Errorf("%d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	var act IncomingActivity
	if err := json.Unmarshal(payload, &act); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := v.ValidateActivity(&act); err != nil {
		return nil, err
	}
	return &act, nil
}

// ValidateActivity checks the decoded shape: https id and actor, non-empty
// type, and an object for everything but Delete.
func (v *Validator) ValidateActivity(act *IncomingActivity) error {
	if !isHTTPSURI(act.ID) {
		return fmt.Errorf("id %q: %w", act.ID, ErrInvalidActivityID)
	}
	if !isHTTPSURI(act.Actor) {
		return fmt.Errorf("actor %q: %w", act.Actor, ErrInvalidActorURI)
	}
	if strings.TrimSpace(act.Type) == "" {
		return ErrMissingType
	}
	if act.Type != "Delete" && len(act.Object) == 0 {
		return ErrMissingObject
	}
	if len(act.Content) > v.MaxContentSize {
		return fmt.Errorf("%d bytes: %w", len(act.Content), ErrContentTooLarge)
	}
	return nil
}

// CheckContentSize bounds a single content field pulled from an embedded
// object.
func (v *Validator) CheckContentSize(content string) error {
	if len(content) > v.MaxContentSize {
		return fmt.Errorf("%d bytes: %w", len(content), ErrContentTooLarge)
	}
	return nil
}

func isHTTPSURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}
