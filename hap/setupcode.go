package hap

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// generateSetupCode produces a fresh random "XXX-XX-XXX" SRP password, the
// format HAP's pairing code takes. Used only when Config.SetupCode is
// empty; the caller is responsible for displaying it to the user via
// Config.SetupCodeCallback.
func generateSetupCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		// crypto/rand failing is unrecoverable; a zero code is at least
		// deterministic rather than a silent security downgrade.
		n = big.NewInt(0)
	}
	v := n.Int64()
	return fmt.Sprintf("%03d-%02d-%03d", v/100000, (v/1000)%100, v%1000)
}
