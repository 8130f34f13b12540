package layout

import "errors"

// Specific validation causes. Every error returned by Validate also matches
// apperrors.ErrValidation.
var (
	ErrInvalidRequest         = errors.New("invalid task request")
	ErrInvalidLayout          = errors.New("invalid layout")
	ErrInvalidLayoutMetadata  = errors.New("invalid layout metadata")
	ErrInvalidKeyLabel        = errors.New("invalid key label")
	ErrInvalidSettings        = errors.New("invalid settings")
	ErrMissingField           = errors.New("missing required field")
	ErrInvalidFootprintFormat = errors.New("invalid footprint format")
	ErrInvalidRouting         = errors.New("invalid routing")
	ErrInvalidController      = errors.New("invalid controller circuit")
	ErrInvalidRotation        = errors.New("invalid rotation")
	ErrInvalidSide            = errors.New("invalid side")
	ErrInvalidPosition        = errors.New("invalid position")
	ErrInvalidKeyDistance     = errors.New("invalid key distance")
)
