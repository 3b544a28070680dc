package validator

import (
	"encoding/base64"
	"strings"

	"github.com/septivank/anpr-toll-worker/internal/domain"
)

// Operator identifies the camera's toll zone
type Operator struct {
	TollZoneID   string `json:"tollZoneId"`
	TollZoneName string `json:"tollZoneName"`
}

// SightingRequest is the body posted by cameras over HTTP or the queue
type SightingRequest struct {
	Base64Image string    `json:"base64Image"`
	Operator    *Operator `json:"operator"`
}

// ValidSighting is a request that passed validation
type ValidSighting struct {
	Image    []byte
	ZoneID   string
	ZoneName string
}

// Validator checks sighting payloads before they reach the state machine
type Validator struct {
	maxImageBytes int
}

// NewValidator creates a validator. maxImageBytes <= 0 disables the size check.
func NewValidator(maxImageBytes int) *Validator {
	return &Validator{maxImageBytes: maxImageBytes}
}

// ValidateSighting returns domain.ValidationError for a missing operator,
// missing zone, missing image, or an undecodable image.
func (v *Validator) ValidateSighting(req SightingRequest) (ValidSighting, error) {
	if req.Operator == nil {
		return ValidSighting{}, domain.ValidationError{Field: "operator", Msg: "Missing data."}
	}

	zoneID := strings.TrimSpace(req.Operator.TollZoneID)
	if zoneID == "" {
		return ValidSighting{}, domain.ValidationError{Field: "operator.tollZoneId", Msg: "is required"}
	}

	if strings.TrimSpace(req.Base64Image) == "" {
		return ValidSighting{}, domain.ValidationError{Field: "base64Image", Msg: "Missing data."}
	}

	image, err := decodeImage(req.Base64Image)
	if err != nil {
		return ValidSighting{}, domain.ValidationError{Field: "base64Image", Msg: "is not valid base64", Err: err}
	}
	if len(image) == 0 {
		return ValidSighting{}, domain.ValidationError{Field: "base64Image", Msg: "is empty"}
	}
	if v.maxImageBytes > 0 && len(image) > v.maxImageBytes {
		return ValidSighting{}, domain.ValidationError{Field: "base64Image", Msg: "exceeds maximum image size"}
	}
	return ValidSighting{
		Image:    image,
		ZoneID:   zoneID,
		ZoneName: strings.TrimSpace(req.Operator.TollZoneName),
	}, nil
}

// decodeImage accepts plain base64 or a data URL ("data:image/jpeg;base64,...")
func decodeImage(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	encoded = strings.TrimSpace(encoded)

	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	return image, nil
}
