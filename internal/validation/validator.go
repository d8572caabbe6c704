package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/model"
)

const (
	// Size limits
	MaxRecordIDSize    = 256
	MaxDeviceIDSize    = 128
	MaxTenantIDSize    = 256
	MaxNamespaceIDSize = 256
	MaxNameSize        = 256
	MaxPayloadSize     = 1024 * 1024 // 1 MB
	MaxTags            = 256

	// Vector clock limits
	MaxVectorClockEntries = 1000
)

// Validator validates sync envelopes and identifiers
type Validator struct {
	maxPayloadSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{maxPayloadSize: MaxPayloadSize}
}

// NewValidatorWithLimits creates a validator with a custom payload limit
func NewValidatorWithLimits(maxPayloadSize int) *Validator {
	if maxPayloadSize <= 0 {
		maxPayloadSize = MaxPayloadSize
	}
	return &Validator{maxPayloadSize: maxPayloadSize}
}

// ValidateTenantID validates a tenant ID handed over by the auth layer
func (v *Validator) ValidateTenantID(tenantID string) error {
	return validateIdentifier("tenant ID", tenantID, MaxTenantIDSize)
}

// ValidateDeviceID validates a device ID
func (v *Validator) ValidateDeviceID(deviceID string) error {
	return validateIdentifier("device ID", deviceID, MaxDeviceIDSize)
}

// ValidateRegister validates a device registration
func (v *Validator) ValidateRegister(req *model.RegisterRequest) error {
	if err := v.ValidateDeviceID(req.DeviceID); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"device name":    req.Name,
		"platform":       req.Platform,
		"client version": req.ClientVersion,
	} {
		if len(value) > MaxNameSize {
			return errors.InvalidArgument(fmt.Sprintf("%s exceeds maximum size of %d bytes", field, MaxNameSize), nil)
		}
		if hasControl(value) {
			return errors.InvalidArgument(fmt.Sprintf("%s cannot contain control characters", field), nil)
		}
	}
	return nil
}

// ValidateEnvelope validates one pushed record. The envelope's clock must
// already carry the sending device's own increment.
func (v *Validator) ValidateEnvelope(deviceID string, env *model.RecordEnvelope) error {
	if err := validateIdentifier("record ID", env.ID, MaxRecordIDSize); err != nil {
		return err
	}

	if !env.Kind.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("record '%s' has unknown kind '%s'", env.ID, env.Kind), nil)
	}

	if err := validateIdentifier("namespace ID", env.NamespaceID, MaxNamespaceIDSize); err != nil {
		return err
	}

	if len(env.Tags) > MaxTags {
		return errors.InvalidArgument(fmt.Sprintf("record '%s' has %d tags, maximum is %d", env.ID, len(env.Tags), MaxTags), nil)
	}

	if env.DeletedAt == nil {
		if len(env.Payload) > v.maxPayloadSize {
			return errors.PayloadTooLarge(env.ID, len(env.Payload), v.maxPayloadSize)
		}
		if len(env.Payload) > 0 && !json.Valid(env.Payload) {
			return errors.InvalidArgument(fmt.Sprintf("record '%s' payload is not valid JSON", env.ID), nil)
		}
	}

	return v.ValidateVectorClock(env.ID, deviceID, env.VectorClock)
}

// ValidateVectorClock validates a pushed vector clock
func (v *Validator) ValidateVectorClock(recordID, deviceID string, vc model.VectorClock) error {
	if len(vc) == 0 {
		return errors.InvalidVectorClock(recordID, "vector clock is empty")
	}

	if len(vc) > MaxVectorClockEntries {
		return errors.InvalidVectorClock(recordID,
			fmt.Sprintf("vector clock has too many entries: %d > %d", len(vc), MaxVectorClockEntries))
	}

	for node, counter := range vc {
		if node == "" || len(node) > MaxDeviceIDSize || hasControl(node) {
			return errors.InvalidVectorClock(recordID, fmt.Sprintf("invalid device ID '%s'", node))
		}
		if counter < 0 {
			return errors.InvalidVectorClock(recordID, fmt.Sprintf("negative counter %d for device '%s'", counter, node))
		}
	}

	if vc[deviceID] < 1 {
		return errors.InvalidVectorClock(recordID, fmt.Sprintf("clock does not include an increment by device '%s'", deviceID))
	}

	return nil
}

func validateIdentifier(field, value string, maxSize int) error {
	if strings.TrimSpace(value) == "" {
		return errors.InvalidArgument(fmt.Sprintf("%s cannot be empty", field), nil)
	}
	if len(value) > maxSize {
		return errors.InvalidArgument(fmt.Sprintf("%s exceeds maximum size of %d bytes", field, maxSize), nil)
	}
	if hasControl(value) {
		return errors.InvalidArgument(fmt.Sprintf("%s cannot contain control characters", field), nil)
	}
	return nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
