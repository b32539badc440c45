package slotvault

import "fmt"

// concurrencyGuard arbitrates holds on one slot. The zero value is a free
// guard. Callers must hold the owning slot's mutex; the guard itself carries
// no lock.
//
// Policy: the Owner hold is exclusive against a second Owner hold only.
// Shared User holds are unlimited and coexist with each other and with the
// Owner hold.
type concurrencyGuard struct {
	users     int
	ownerHeld bool
}

func (g *concurrencyGuard) acquireShared() {
	g.users++
}

func (g *concurrencyGuard) acquireExclusive() error {
	if g.ownerHeld {
		return fmt.Errorf("exclusive hold already taken: %w", ErrBusyResource)
	}
	g.ownerHeld = true
	return nil
}

// releaseShared drops one User hold. Releasing more holds than were taken is
// a broken invariant and aborts.
func (g *concurrencyGuard) releaseShared() {
	if g.users == 0 {
		panic("slotvault: shared hold released without a matching acquire")
	}
	g.users--
}

// releaseExclusive drops the Owner hold. Releasing a hold that is not taken
// is a broken invariant and aborts.
func (g *concurrencyGuard) releaseExclusive() {
	if !g.ownerHeld {
		panic("slotvault: exclusive hold released without a matching acquire")
	}
	g.ownerHeld = false
}
