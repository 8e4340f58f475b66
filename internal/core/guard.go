package core

import (
	"EscrowLedger/internal/escrow"
)

// callGuard rejects reentrant ProcessEvent invocations. The core is
// single-threaded, so the flag only trips if a handler ever calls back into
// the pipeline; that is a programming error surfaced as ErrInvalidOperation
// rather than silent state corruption.
type callGuard struct {
	busy bool
}

func (g *callGuard) enter() error {
	if g.busy {
		return escrow.ErrInvalidOperation
	}
	g.busy = true
	return nil
}

func (g *callGuard) exit() {
	g.busy = false
}
