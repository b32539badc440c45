package slotvault

import (
	"fmt"
)

// DefaultMaxActiveTransactions bounds the number of concurrently active
// transactions when Options.MaxActiveTransactions is zero.
const DefaultMaxActiveTransactions = 16

// Options holds the configuration of an engine instance.
//
// Security-critical fields (salt, passphrase) are excluded from JSON
// serialization so they never leak into configuration files or logs; the
// passphrase can instead be delivered through an environment variable named
// by EnvPassphraseVar, keeping it out of process argument lists.
type Options struct {
	// DerivationSalt seeds the sealing-key derivation and must be at least
	// 16 bytes when given. When empty the engine loads the tenant's
	// persisted salt, creating and persisting a fresh random salt for a new
	// tenant. Loss of the salt renders persisted slot content permanently
	// unreadable.
	DerivationSalt []byte `json:"-"`

	// DerivationPassphrase is the master passphrase the sealing key is
	// derived from. Never persisted or logged.
	DerivationPassphrase string `json:"-"`

	// EnvPassphraseVar names an environment variable holding the passphrase.
	// Used when DerivationPassphrase is empty.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock requests locking the process address space into RAM
	// so sealed payloads and derived keys cannot be swapped to disk. Best
	// effort: the engine stays functional when the platform refuses.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// MaxActiveTransactions bounds concurrently active transactions.
	// Zero selects DefaultMaxActiveTransactions.
	MaxActiveTransactions int `json:"max_active_transactions"`

	// Layout provides the provisioned slot rows directly. When nil the
	// engine loads the tenant's persisted layout from the store.
	Layout []SlotRow `json:"-"`
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	// at least one passphrase channel must be configured
	if o.DerivationPassphrase == "" && o.EnvPassphraseVar == "" {
		return fmt.Errorf("either DerivationPassphrase or EnvPassphraseVar must be provided")
	}
	if o.MaxActiveTransactions < 0 {
		return fmt.Errorf("MaxActiveTransactions must not be negative")
	}
	return nil
}
