// Package codec implements the canonical valve-state code used between the
// field devices and the state cache.
//
// The canonical representation is a 4-character binary code. The first two
// characters carry the positions of the extraction valve and the tank-return
// valve; the trailing two characters are reserved and always "0". A fixed
// bidirectional dictionary maps the four named rig states to codes, and each
// code to a pair of human-readable per-valve labels.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Byounghakim/pc-ui-server-sub000/errors"
)

// CodeLength is the length of a canonical valve-state code.
const CodeLength = 4

// Named valve states of the rig.
const (
	StateExtraction      = "extraction"      // extraction valve open, tank return closed
	StateTankCirculation = "tankCirculation" // tank return open, extraction closed
	StateFullCirculation = "fullCirculation" // both valves open
	StateClosed          = "closed"          // both valves closed
)

// stateToCode is the fixed dictionary from named state to canonical code.
var stateToCode = map[string]string{
	StateExtraction:      "1000",
	StateTankCirculation: "0100",
	StateFullCirculation: "1100",
	StateClosed:          "0000",
}

// codeToState is the inverse dictionary, derived once at init.
var codeToState = func() map[string]string {
	m := make(map[string]string, len(stateToCode))
	for state, code := range stateToCode {
		m[code] = state
	}
	return m
}()

// ValveLabels is the human-readable description of each physical valve for
// one canonical code.
type ValveLabels struct {
	Extraction string `json:"valve1"`
	TankReturn string `json:"valve2"`
}

var codeLabels = map[string]ValveLabels{
	"1000": {Extraction: "open", TankReturn: "closed"},
	"0100": {Extraction: "closed", TankReturn: "open"},
	"1100": {Extraction: "open", TankReturn: "open"},
	"0000": {Extraction: "closed", TankReturn: "closed"},
}

// Encode returns the canonical code for a named state.
func Encode(state string) (string, error) {
	code, ok := stateToCode[state]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "codec", "Encode",
			fmt.Sprintf("unknown valve state %q", state))
	}
	return code, nil
}

// Decode returns the named state for a canonical code.
func Decode(code string) (string, error) {
	state, ok := codeToState[code]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "codec", "Decode",
			fmt.Sprintf("unknown valve code %q", code))
	}
	return state, nil
}

// Labels returns the per-valve labels for a canonical code.
func Labels(code string) (ValveLabels, error) {
	labels, ok := codeLabels[code]
	if !ok {
		return ValveLabels{}, errors.WrapInvalid(errors.ErrInvalidState, "codec", "Labels",
			fmt.Sprintf("unknown valve code %q", code))
	}
	return labels, nil
}

// NormalizeCode coerces a digit string to the canonical 4-character form:
// shorter strings are right-padded with '0', longer strings are truncated
// to the first 4 characters. Non-digit input is rejected.
func NormalizeCode(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidState, "codec", "NormalizeCode", "empty code")
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", errors.WrapInvalid(errors.ErrInvalidState, "codec", "NormalizeCode",
				fmt.Sprintf("non-digit code %q", raw))
		}
	}
	if len(raw) > CodeLength {
		return raw[:CodeLength], nil
	}
	return raw + strings.Repeat("0", CodeLength-len(raw)), nil
}

// ValveInput is the closed set of accepted valve-state inputs. Device
// payloads historically arrived as raw code strings, bare numbers, or
// structured objects; each shape gets its own variant instead of runtime
// type inspection.
type ValveInput interface {
	valveInput()
}

// RawCode is a valve state given as a (possibly short or long) digit string.
type RawCode string

// NumericCode is a valve state given as a bare number, e.g. 100 for "1000".
type NumericCode int

// Described is a valve state given as a structured object with an optional
// human-supplied description.
type Described struct {
	Code        string
	Description string
}

func (RawCode) valveInput()     {}
func (NumericCode) valveInput() {}
func (Described) valveInput()   {}

// ValveState is a normalized valve state record.
type ValveState struct {
	Code        string      `json:"valveState"`
	State       string      `json:"state,omitempty"` // named state, empty for non-dictionary codes
	Description string      `json:"description,omitempty"`
	Labels      ValveLabels `json:"labels"`
}

// Normalize is the single normalizing constructor for valve states. The
// returned record always carries a canonical 4-character code; the named
// state and labels are filled in when the code is in the dictionary.
func Normalize(input ValveInput) (ValveState, error) {
	var code, description string
	var err error

	switch in := input.(type) {
	case RawCode:
		code, err = NormalizeCode(string(in))
	case NumericCode:
		if in < 0 {
			return ValveState{}, errors.WrapInvalid(errors.ErrInvalidState, "codec", "Normalize",
				fmt.Sprintf("negative valve code %d", in))
		}
		code, err = NormalizeCode(strconv.Itoa(int(in)))
	case Described:
		code, err = NormalizeCode(in.Code)
		description = in.Description
	default:
		return ValveState{}, errors.WrapInvalid(errors.ErrInvalidState, "codec", "Normalize",
			fmt.Sprintf("unsupported valve input %T", input))
	}
	if err != nil {
		return ValveState{}, err
	}

	vs := ValveState{Code: code, Description: description}
	if state, ok := codeToState[code]; ok {
		vs.State = state
		vs.Labels = codeLabels[code]
	}
	return vs, nil
}

// payloadEnvelope is the JSON shape device telemetry arrives in.
type payloadEnvelope struct {
	ValveState json.RawMessage `json:"valveState"`
}

// ParsePayload extracts a canonical valve code from an untrusted device
// payload. Digit-only payloads are normalized directly; JSON payloads have
// their valveState field extracted (string or number). Callers fall back to
// the last known good persisted state on error rather than defaulting
// blindly.
func ParsePayload(payload []byte) (string, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "", errors.WrapInvalid(errors.ErrParsingFailed, "codec", "ParsePayload", "empty payload")
	}

	if isDigits(s) {
		return NormalizeCode(s)
	}

	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", errors.WrapInvalid(err, "codec", "ParsePayload", "decode payload")
	}
	if len(env.ValveState) == 0 {
		return "", errors.WrapInvalid(errors.ErrParsingFailed, "codec", "ParsePayload",
			"payload has no valveState field")
	}

	// valveState may itself be a JSON string or a bare number
	var asString string
	if err := json.Unmarshal(env.ValveState, &asString); err == nil {
		return NormalizeCode(asString)
	}
	var asNumber int
	if err := json.Unmarshal(env.ValveState, &asNumber); err == nil {
		return NormalizeCode(strconv.Itoa(asNumber))
	}

	return "", errors.WrapInvalid(errors.ErrParsingFailed, "codec", "ParsePayload",
		fmt.Sprintf("unsupported valveState value %s", string(env.ValveState)))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Pump state constants.
const (
	PumpOn  = "ON"
	PumpOff = "OFF"
)

// NormalizePump maps the device wire values for pump state to their stored
// form: 0/"0" become "OFF" and 1/"1" become "ON". Any other value passes
// through unchanged.
func NormalizePump(value string) string {
	switch strings.TrimSpace(value) {
	case "0":
		return PumpOff
	case "1":
		return PumpOn
	default:
		return value
	}
}
