// Package options defines the per-concern configuration objects shared by
// the updater commands. Each object knows its defaults, its validation rules
// and the command-line flags it exposes.
package options

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
)

// IOptions is implemented by every option object.
type IOptions interface {
	// Validate checks the option values entered by the user.
	Validate() []error

	// AddFlags binds the option fields to the given flag set.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}

// ValidateAddress checks that addr is a valid "host:port" bind address.
func ValidateAddress(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", addr, err)
	}
	return nil
}
