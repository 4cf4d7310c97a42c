package vault

import "errors"

var (
	ErrPassphraseTooShort = errors.New("vault passphrase too short")
	ErrMalformed          = errors.New("vault: malformed sealed value")
	ErrDecrypt            = errors.New("vault: decrypt failed")
)
