//go:build amd64 || arm64

package spin

const exact = true

// executeFixedCycles is implemented in spin_amd64.s and spin_arm64.s.
//
//go:noescape
func executeFixedCycles(spins int)
