package claim

import "errors"

var (
	ErrIndexOutOfRange = errors.New("claim condition index out of range")
	ErrNotAllowlisted  = errors.New("address is not in the claim snapshot")
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
)
