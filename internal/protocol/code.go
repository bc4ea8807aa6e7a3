package protocol

import "fmt"

// Code identifies a message. It occupies the first four bytes of every packet.
type Code int32

const (
	CodeError            Code = -1
	CodeNone             Code = 0
	CodeEntityRegister   Code = 1
	CodeEnumerateGPUs    Code = 2
	CodeGPUInfo          Code = 3
	CodeEnumerateScreens Code = 4
	CodeScreenInfo       Code = 5
	CodeScreenModes      Code = 6
	CodeScreenDraw       Code = 7
	CodeScreenSwap       Code = 8
)

var codeNames = map[Code]string{
	CodeError:            "error",
	CodeNone:             "none",
	CodeEntityRegister:   "entity-register",
	CodeEnumerateGPUs:    "enumerate-gpus",
	CodeGPUInfo:          "gpu-info",
	CodeEnumerateScreens: "enumerate-screens",
	CodeScreenInfo:       "screen-info",
	CodeScreenModes:      "screen-modes",
	CodeScreenDraw:       "screen-draw",
	CodeScreenSwap:       "screen-swap",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// Known reports whether c is one of the codes defined above.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// Version is the protocol revision spoken by this package, encoded as
// major*100 + minor.
const Version uint32 = 100

// SemVer renders an encoded protocol version as a semantic version string.
func SemVer(v uint32) string {
	return fmt.Sprintf("v%d.%d.0", v/100, v%100)
}
