//go:build linux && cgo

package auth

import (
	"fmt"
	"path/filepath"

	"github.com/msteinert/pam/v2"
)

// pamBackend delegates verification to the host's PAM stack.
//
// Home directories are derived as <homeBase>/<user> rather than looked up
// through the name service: getpwnam-style lookups crash in statically
// linked builds, and this server is meant to run on minimal runtimes.
type pamBackend struct {
	service  string
	homeBase string
}

// NewPAMBackend creates a backend that authenticates against the PAM service
// (e.g. "ftp"). Successful users are rooted at homeBase/<user>.
func NewPAMBackend(service, homeBase string) (Backend, error) {
	if service == "" {
		return nil, fmt.Errorf("auth: empty PAM service name")
	}
	if homeBase == "" {
		return nil, fmt.Errorf("auth: empty PAM home base directory")
	}
	return &pamBackend{service: service, homeBase: homeBase}, nil
}

func (b *pamBackend) Verify(user, pass string) (*Account, error) {
	tx, err := pam.StartFunc(b.service, user, func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.PromptEchoOff:
			return pass, nil
		case pam.PromptEchoOn:
			return user, nil
		case pam.ErrorMsg, pam.TextInfo:
			return "", nil
		}
		return "", fmt.Errorf("unsupported conversation style")
	})
	if err != nil {
		return nil, fmt.Errorf("pam start: %w", err)
	}
	defer tx.End()

	if err := tx.Authenticate(0); err != nil {
		return nil, fmt.Errorf("pam authenticate: %w", err)
	}
	if err := tx.AcctMgmt(0); err != nil {
		return nil, fmt.Errorf("pam account: %w", err)
	}

	return &Account{
		Name:     user,
		Home:     filepath.Join(b.homeBase, user),
		OwnerUID: -1,
		OwnerGID: -1,
	}, nil
}
