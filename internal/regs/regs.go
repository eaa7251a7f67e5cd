// Package regs defines the register map, direct commands and interrupt bits
// of the UHF reader transceiver.
package regs

// Registers
const (
	StatusControl   byte = 0x00
	ProtocolControl byte = 0x01
	TxOptions       byte = 0x02
	RxOptions       byte = 0x03
	TRcalHigh       byte = 0x04
	TRcalLow        byte = 0x05
	RxNoResponse    byte = 0x06
	RxWait          byte = 0x07
	RxFilter        byte = 0x09
	ModulatorCtrl1  byte = 0x13
	PLLReference    byte = 0x16
	PLLDivider0     byte = 0x17
	PLLDivider1     byte = 0x18
	PLLDivider2     byte = 0x19
	IRQMask1        byte = 0x35
	IRQMask2        byte = 0x36
	IRQStatus1      byte = 0x37
	IRQStatus2      byte = 0x38
	FIFOStatus      byte = 0x39
	RxLength1       byte = 0x3A
	RxLength2       byte = 0x3B
	TxLength1       byte = 0x3D
	TxLength2       byte = 0x3E
	FIFO            byte = 0x3F

	AGCStatus byte = 0x2A
	RSSI      byte = 0x2B
	PLLStatus byte = 0x2C
	ADC       byte = 0x2E
	Version   byte = 0x33
)

// Version register: the high nibble names the silicon family.
const (
	VersionFamilyMask byte = 0xF0
	VersionFamily     byte = 0x60
)

// SPIRead is ORed into the address byte of a register read.
const SPIRead byte = 0x40

// Direct commands
const (
	CmdIdle          byte = 0x80
	CmdDirectMode    byte = 0x81
	CmdSoftInit      byte = 0x83
	CmdHopToMain     byte = 0x84
	CmdResetFIFO     byte = 0x8F
	CmdTransmitCRC   byte = 0x90
	CmdTransmitNoCRC byte = 0x92
	CmdBlockRX       byte = 0x96
	CmdEnableRX      byte = 0x97
	CmdMeasureRSSI   byte = 0xA0
	CmdTriggerADC    byte = 0x87
)

// StatusControl bits
const (
	StatusRFOn    byte = 0x80
	StatusRecOn   byte = 0x40
	StatusAGCOn   byte = 0x04
	StatusStandby byte = 0x01
)

// ProtocolControl bits
const (
	ProtocolNoRxCRC    byte = 0x80
	ProtocolDirectMode byte = 0x40
	ProtocolMask       byte = 0x07
	ProtocolGen2       byte = 0x00
	ProtocolGB29768    byte = 0x06
)

// RxOptions fields
const (
	RxBLFShift    = 4
	RxBLFMask     = 0xF0
	RxCodingMask  = 0x03
	RxTRextBit    = 0x08
	RxCodingFM0   = 0x00
	RxCodingM2    = 0x01
	RxCodingM4    = 0x02
	RxCodingM8    = 0x03
	PLLLockBit    = 0x80
	FIFOCountMask = 0x1F
	RSSIIShift    = 4
	RSSINibble    = 0x0F
	AGCGainMask   = 0x0F
)

// Interrupt bits. IRQStatus1 occupies the high byte, IRQStatus2 the low byte.
const (
	IRQTx       uint16 = 0x8000
	IRQRx       uint16 = 0x4000
	IRQFIFO     uint16 = 0x2000
	IRQErr1     uint16 = 0x1000
	IRQHeader   uint16 = 0x0800
	IRQAutoACK  uint16 = 0x0200
	IRQNoResp   uint16 = 0x0100
	IRQCRCError uint16 = 0x0080
	IRQRxCount  uint16 = 0x0040
	IRQPreamble uint16 = 0x0020
	IRQFIFOOvfl uint16 = 0x0010
	IRQADC      uint16 = 0x0008
	IRQPLLLock  uint16 = 0x0004
	IRQRSSI     uint16 = 0x0002

	// IRQAnyError collects every receive error condition.
	IRQAnyError = IRQErr1 | IRQCRCError | IRQRxCount | IRQPreamble | IRQFIFOOvfl

	// IRQRxDone is the mask to wait on after a transmission that expects a
	// reply.
	IRQRxDone = IRQRx | IRQNoResp | IRQAnyError
)

// FIFOSize is the depth of the transceiver FIFO in bytes.
const FIFOSize = 24

// PLLReferenceHz lists the selectable synthesizer reference frequencies,
// indexed by the PLLReference register value.
var PLLReferenceHz = [...]uint32{125_000, 100_000, 50_000, 25_000}

// BLFCodes lists the backscatter link frequencies selectable in RxOptions.
var BLFCodes = [...]uint32{40_000, 80_000, 160_000, 213_300, 256_000, 320_000, 640_000}
