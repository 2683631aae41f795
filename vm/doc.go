// Package vm implements the zero-free virtual machine.
//
// This package contains:
//   - The non-zero value domain (NzInt, NzFloat, Sign, Ordinal)
//   - The byte-stuffing codec that keeps 0x00 out of storage
//   - Linear, 1-indexed, codec-constrained memory
//   - The register file and instruction encoding
//   - The fetch-decode-dispatch engine, call discipline and trap taxonomy
//
// No value in the running machine is ever zero: not an integer, not a
// float (±0.0 and NaN are excluded; infinities are fine), not a byte at
// rest in memory, not an address, not a length. Any operation that would
// produce one traps synchronously and fatally.
package vm
