// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme68x

// calibrationData holds the per-device trim coefficients burned into the
// sensor at the factory. It is decoded once during initialization and never
// written again.
type calibrationData struct {
	t1 uint16
	t2 int16
	t3 int8

	p1     uint16
	p2     int16
	p3     int8
	p4, p5 int16
	p6, p7 int8
	p8, p9 int16
	p10    uint8

	h1, h2         uint16
	h3, h4, h5, h7 int8
	h6             uint8

	gh1 int8
	gh2 int16
	gh3 int8

	resHeatRange uint8
	resHeatVal   int8
	rangeSwErr   int8
}

// Byte offsets of the coefficients inside the concatenated 41-byte
// calibration blob (25 bytes from regCoeff1 followed by 16 from regCoeff2).
// The layout is fixed by the datasheet.
const (
	t2LSB  = 1
	t2MSB  = 2
	t3Reg  = 3
	p1LSB  = 5
	p1MSB  = 6
	p2LSB  = 7
	p2MSB  = 8
	p3Reg  = 9
	p4LSB  = 11
	p4MSB  = 12
	p5LSB  = 13
	p5MSB  = 14
	p7Reg  = 15
	p6Reg  = 16
	p8LSB  = 19
	p8MSB  = 20
	p9LSB  = 21
	p9MSB  = 22
	p10Reg = 23
	h2MSB  = 25
	h2LSB  = 26
	h1LSB  = 26
	h1MSB  = 27
	h3Reg  = 28
	h4Reg  = 29
	h5Reg  = 30
	h6Reg  = 31
	h7Reg  = 32
	t1LSB  = 33
	t1MSB  = 34
	gh2LSB = 35
	gh2MSB = 36
	gh1Reg = 37
	gh3Reg = 38
)

// humRegShift is the 4-bit shift used by the two humidity coefficients that
// share the byte at h1LSB/h2LSB.
const humRegShift = 4

// newCalibration decodes the 41-byte calibration blob plus the three trim
// registers into a calibrationData. Decoding is a total byte-to-struct
// mapping; there is no invalid input at this layer. Sign extension is
// applied per coefficient at 8 or 16 bit width as mandated by the datasheet.
func newCalibration(blob []byte, heatRange, heatVal, swErr byte) calibrationData {
	u16 := func(msb, lsb byte) uint16 {
		return uint16(msb)<<8 | uint16(lsb)
	}
	s16 := func(msb, lsb byte) int16 {
		return int16(u16(msb, lsb))
	}

	var c calibrationData
	c.t1 = u16(blob[t1MSB], blob[t1LSB])
	c.t2 = s16(blob[t2MSB], blob[t2LSB])
	c.t3 = int8(blob[t3Reg])

	c.p1 = u16(blob[p1MSB], blob[p1LSB])
	c.p2 = s16(blob[p2MSB], blob[p2LSB])
	c.p3 = int8(blob[p3Reg])
	c.p4 = s16(blob[p4MSB], blob[p4LSB])
	c.p5 = s16(blob[p5MSB], blob[p5LSB])
	c.p6 = int8(blob[p6Reg])
	c.p7 = int8(blob[p7Reg])
	c.p8 = s16(blob[p8MSB], blob[p8LSB])
	c.p9 = s16(blob[p9MSB], blob[p9LSB])
	c.p10 = blob[p10Reg]

	// h1 and h2 pack 12 bits each across a shared middle byte.
	c.h1 = uint16(blob[h1MSB])<<humRegShift | uint16(blob[h1LSB]&maskH1Data)
	c.h2 = uint16(blob[h2MSB])<<humRegShift | uint16(blob[h2LSB]>>humRegShift)
	c.h3 = int8(blob[h3Reg])
	c.h4 = int8(blob[h4Reg])
	c.h5 = int8(blob[h5Reg])
	c.h6 = blob[h6Reg]
	c.h7 = int8(blob[h7Reg])

	c.gh1 = int8(blob[gh1Reg])
	c.gh2 = s16(blob[gh2MSB], blob[gh2LSB])
	c.gh3 = int8(blob[gh3Reg])

	c.resHeatRange = (heatRange & maskHeatRange) >> 4
	c.resHeatVal = int8(heatVal)
	c.rangeSwErr = int8((swErr & maskRangeSwErr) >> 4)

	return c
}
