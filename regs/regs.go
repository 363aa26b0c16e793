// Package regs describes the register interface of a command queueing host
// controller (CQHCI) and the ways the engine can reach it.
package regs

// Register offsets, relative to the CQHCI register base.
const (
	VER    = 0x00 // Version
	CAP    = 0x04 // Capabilities
	CFG    = 0x08 // Configuration
	CTL    = 0x0C // Control
	IS     = 0x10 // Interrupt status
	ISTE   = 0x14 // Interrupt status enable
	ISGE   = 0x18 // Interrupt signal enable
	IC     = 0x1C // Interrupt coalescing
	TDLBA  = 0x20 // Task descriptor list base address
	TDLBAU = 0x24 // Task descriptor list base address, upper 32 bits
	TDBR   = 0x28 // Doorbell
	TCN    = 0x2C // Task completion notification
	DQS    = 0x30 // Device queue status
	DPT    = 0x34 // Device pending tasks
	TCLR   = 0x38 // Task clear
	SSC1   = 0x40 // Send status configuration 1
	SSC2   = 0x44 // Send status configuration 2
	CRDCT  = 0x48 // Response for direct command
	RMEM   = 0x50 // Response mode error mask
	TERRI  = 0x54 // Task error information
	CRI    = 0x58 // Command response index
	CRA    = 0x5C // Command response argument

	CCAP      = 0x100 // Crypto capability
	CRYPTOCAP = 0x104 // First crypto capability entry

	VendorCFG   = 0x100 // Vendor configuration, pre v5.0 layout
	VendorCFGV5 = 0x900 // Vendor configuration, SDHC v5.0 onwards
)

// Version register fields.
const (
	verMajorMask  = 0xF00
	verMajorShift = 8
	verMinor1Mask = 0xF0
	verMinor1Shft = 4
	verMinor2Mask = 0xF
)

// Capability register bits.
const (
	CapCryptoSupport = 1 << 28
)

// Configuration register bits.
const (
	CfgEnable     = 0x00000001
	CfgICEEnable  = 0x00000002
	CfgTaskDescSz = 0x00000100
	CfgDCMD       = 0x00001000
)

// Control register bits.
const (
	CtlHalt          = 0x00000001
	CtlClearAllTasks = 0x00000100
)

// Interrupt status bits.
const (
	IsHAC  = 1 << 0 // Halt complete
	IsTCC  = 1 << 1 // Task complete
	IsRED  = 1 << 2 // Response error detected
	IsTCL  = 1 << 3 // Task clear complete
	IsGCE  = 1 << 4 // General crypto error
	IsICCE = 1 << 5 // Invalid crypto configuration error

	// IsMask is the set of interrupts enabled while the queue is running.
	IsMask = IsTCC | IsRED | IsGCE | IsICCE

	// IsAll covers the four non-crypto interrupt sources.
	IsAll = 0xF
)

// Interrupt coalescing register fields.
const (
	ICEnable      = 1 << 31
	ICReset       = 1 << 16
	ICThresholdWE = 1 << 15
	ICTimeoutWE   = 1 << 7

	ICDefaultThreshold = 31
	ICDefaultTimeout   = 1
)

// ICThreshold encodes the coalescing counter threshold.
func ICThreshold(x uint32) uint32 {
	return (x & 0x1F) << 8
}

// ICTimeout encodes the coalescing timeout value.
func ICTimeout(x uint32) uint32 {
	return x & 0x7F
}

// SendQSRInterval is the default SSC1 value. A value n makes the controller
// send CMD13 while transferring block BLOCK_CNT-n.
const SendQSRInterval = 0x70001

// SendStatusTrigger is the vendor configuration bit that triggers CMD13.
const SendStatusTrigger = 1 << 31

// Version is a decoded VER register.
type Version struct {
	Major  uint32
	Minor1 uint32
	Minor2 uint32
}

// DecodeVersion splits the VER register into its fields.
func DecodeVersion(v uint32) Version {
	return Version{
		Major:  (v & verMajorMask) >> verMajorShift,
		Minor1: (v & verMinor1Mask) >> verMinor1Shft,
		Minor2: v & verMinor2Mask,
	}
}

// Named lists the registers in dump order.
var Named = []struct {
	Name   string
	Offset int
}{
	{"VER", VER}, {"CAP", CAP}, {"CFG", CFG}, {"CTL", CTL},
	{"IS", IS}, {"ISTE", ISTE}, {"ISGE", ISGE}, {"IC", IC},
	{"TDLBA", TDLBA}, {"TDLBAU", TDLBAU}, {"TDBR", TDBR}, {"TCN", TCN},
	{"DQS", DQS}, {"DPT", DPT}, {"TCLR", TCLR}, {"SSC1", SSC1},
	{"SSC2", SSC2}, {"CRDCT", CRDCT}, {"RMEM", RMEM}, {"TERRI", TERRI},
	{"CRI", CRI}, {"CRA", CRA},
}
