//go:build !amd64 && !arm64

package spin

const exact = false

// sink keeps the dependency chain observable so the loop is not eliminated.
var sink uint64

// executeFixedCycles approximates the assembly loop with a dependent add
// chain. The compiler gives no guarantee about its cycle cost.
func executeFixedCycles(spins int) {
	var acc uint64
	for i := 0; i < spins; i++ {
		for j := 0; j < CyclesPerSpin; j++ {
			acc++
		}
	}
	sink = acc
}
