//go:build !linux || !cgo

package auth

import "fmt"

// NewPAMBackend is unavailable without cgo on Linux.
func NewPAMBackend(service, homeBase string) (Backend, error) {
	return nil, fmt.Errorf("auth: PAM backend requires a cgo-enabled linux build")
}
