// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme68x

import "fmt"

// The device answers on one of two addresses depending on the wiring of the
// SDO pin.
const (
	DefaultAddress   uint16 = 0x76
	SecondaryAddress uint16 = 0x77
)

// chipID is the fixed identity byte at regChipID. Anything else on the bus is
// not a BME680/BME688.
const chipID = 0x61

// Register map. Fixed by the datasheet; there is no versioning.
const (
	regResHeatVal   = 0x00 // calibration trim, heater value
	regResHeatRange = 0x02 // calibration trim, heater range (bits 5:4)
	regRangeSwErr   = 0x04 // calibration trim, software error (bits 7:4)
	regField0       = 0x1D // start of the 17-byte measurement field block
	regResHeat0     = 0x5A // heater set-point, profiles 0-9
	regGasWait0     = 0x64 // heater duration, profiles 0-9
	regCtrlGas1     = 0x71 // run_gas + heater profile selection
	regCtrlHum      = 0x72 // humidity oversampling
	regCtrlMeas     = 0x74 // temperature/pressure oversampling + power mode
	regConfig       = 0x75 // IIR filter
	regCoeff1       = 0x89 // first calibration block, 25 bytes
	regChipID       = 0xD0
	regSoftReset    = 0xE0
	regCoeff2       = 0xE1 // second calibration block, 16 bytes
	regVariant      = 0xF0 // 0x00 on BME680, 0x01 on BME688
)

const (
	coeff1Len   = 25
	coeff2Len   = 16
	coeffLen    = coeff1Len + coeff2Len
	fieldLength = 17
)

const softResetCmd = 0xB6

// Bit masks and positions for the packed configuration registers.
const (
	maskNbConv     = 0x0F
	maskFilter     = 0x1C
	maskOSTemp     = 0xE0
	maskOSPress    = 0x1C
	maskOSHum      = 0x07
	maskRunGas     = 0x30
	maskMode       = 0x03
	maskHeatRange  = 0x30
	maskRangeSwErr = 0xF0
	maskNewData    = 0x80
	maskGasIndex   = 0x0F
	maskGasRange   = 0x0F
	maskGasValid   = 0x20
	maskHeatStable = 0x10
	maskH1Data     = 0x0F
	posFilter      = 2
	posOSTemp      = 5
	posOSPress     = 2
	posOSHum       = 0
	posRunGas      = 4
	posMode        = 0
	posNbConv      = 0
)

// run_gas enable codes differ between the two chip variants.
const (
	runGasLow  = 0x01
	runGasHigh = 0x02
)

// Variant identifies the gas-measurement sub-model of the chip. It is read
// once at initialization and fixed for the life of the device; it selects the
// gas-resistance formula and the byte of the field block that carries the
// gas status bits.
type Variant uint8

const (
	// VariantLow is the original BME680.
	VariantLow Variant = 0x00
	// VariantHigh is the BME688.
	VariantHigh Variant = 0x01
)

func (v Variant) String() string {
	switch v {
	case VariantLow:
		return "BME680"
	case VariantHigh:
		return "BME688"
	}
	return fmt.Sprintf("Variant(%d)", uint8(v))
}

// mode is the power mode held in the low bits of regCtrlMeas.
type mode byte

const (
	sleep  mode = 0 // no operation, all registers accessible, selected after startup
	forced mode = 1 // one TPHG measurement, then back to sleep
)

// Oversampling affects how much time is taken to measure each of temperature,
// pressure and humidity.
type Oversampling uint8

// Possible oversampling values. The higher the more time and power a
// measurement takes.
const (
	Off  Oversampling = 0
	O1x  Oversampling = 1
	O2x  Oversampling = 2
	O4x  Oversampling = 3
	O8x  Oversampling = 4
	O16x Oversampling = 5
)

const oversamplingName = "Off1x2x4x8x16x"

var oversamplingIndex = [...]uint8{0, 3, 5, 7, 9, 11, 14}

func (o Oversampling) String() string {
	if o >= Oversampling(len(oversamplingIndex)-1) {
		return fmt.Sprintf("Oversampling(%d)", o)
	}
	return oversamplingName[oversamplingIndex[o]:oversamplingIndex[o+1]]
}

// Filter specifies the internal IIR filter to get steadier pressure and
// temperature measurements. It does not apply to humidity or gas.
type Filter uint8

// Possible filter coefficients.
const (
	NoFilter Filter = 0
	F1       Filter = 1
	F3       Filter = 2
	F7       Filter = 3
	F15      Filter = 4
	F31      Filter = 5
	F63      Filter = 6
	F127     Filter = 7
)

// The device has ten heater profile slots.
const (
	profileMin = 0
	profileMax = 9
)
