// Package trace produces machine-readable run reports for executed modules.
// Reports are encoded as canonical CBOR so that identical runs produce
// byte-identical reports.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/zfvm/vm"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeHalted  Outcome = "halted"
	OutcomeTrapped Outcome = "trapped"
	OutcomeRunning Outcome = "running" // stopped early, e.g. step budget
)

// TrapReport carries the terminating trap of a trapped run.
type TrapReport struct {
	Kind   string `cbor:"kind"`
	PC     uint64 `cbor:"pc"`
	Op     string `cbor:"op,omitempty"`
	Detail string `cbor:"detail,omitempty"`
}

// RunReport is the result record for one module execution.
type RunReport struct {
	Module   string      `cbor:"module"` // hex SHA-256 of the container
	Policy   string      `cbor:"policy,omitempty"`
	Outcome  Outcome     `cbor:"outcome"`
	ExitCode uint64      `cbor:"exit,omitempty"`
	Trap     *TrapReport `cbor:"trap,omitempty"`
	Steps    uint64      `cbor:"steps"`
}

// ModuleHash returns the hex SHA-256 digest of a serialized container.
func ModuleHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Capture builds a report from a finished (or suspended) engine.
func Capture(eng *vm.Engine, moduleHash, policy string) *RunReport {
	r := &RunReport{
		Module: moduleHash,
		Policy: policy,
		Steps:  eng.Steps(),
	}
	switch eng.State() {
	case vm.StateHalted:
		r.Outcome = OutcomeHalted
		r.ExitCode = eng.HaltCode()
	case vm.StateTrapped:
		r.Outcome = OutcomeTrapped
		if t := eng.Trap(); t != nil {
			tr := &TrapReport{Kind: t.Kind.String(), PC: t.PC, Detail: t.Detail}
			if t.Op != 0 {
				tr.Op = t.Op.String()
			}
			r.Trap = tr
		}
	default:
		r.Outcome = OutcomeRunning
	}
	return r
}

// MarshalReport serializes a RunReport to canonical CBOR bytes.
func MarshalReport(r *RunReport) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalReport deserializes a RunReport from CBOR bytes.
func UnmarshalReport(data []byte) (*RunReport, error) {
	var r RunReport
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("trace: unmarshal report: %w", err)
	}
	return &r, nil
}
