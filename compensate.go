// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme68x

// This file holds the fixed-point compensation formulas that turn raw ADC
// codes into physical units. The arithmetic follows the vendor reference
// implementation operation for operation: the shift and division order
// determines intermediate truncation, which is part of the calibrated
// behavior, so none of it may be algebraically simplified.

// Lookup tables for the low-variant gas resistance calculation, indexed by
// the 4-bit gas range. Constant data owned by this file.
var lookupTable1 = [16]uint32{
	2147483647, 2147483647, 2147483647, 2147483647,
	2147483647, 2126008810, 2147483647, 2130303777, 2147483647,
	2147483647, 2143188679, 2136746228, 2147483647, 2126008810,
	2147483647, 2147483647,
}

var lookupTable2 = [16]uint32{
	4096000000, 2048000000, 1024000000, 512000000,
	255744255, 127110228, 64000000, 32258064,
	16016016, 8000000, 4000000, 2000000,
	1000000, 500000, 250000, 125000,
}

// compensateTemp converts a 20-bit temperature ADC code to centidegrees
// Celsius. An output of 2543 is 25.43°C. It also returns t_fine, the
// fine-resolution intermediate consumed by the pressure and humidity
// compensation of the same reading. offset is a caller bias already encoded
// in t_fine units (see tempOffsetFine).
func (c *calibrationData) compensateTemp(raw, offset int32) (temp, tFine int32) {
	var1 := (raw >> 3) - (int32(c.t1) << 1)
	var2 := (var1 * int32(c.t2)) >> 11
	var3 := (((var1 >> 1) * (var1 >> 1)) >> 12) * (int32(c.t3) << 4)
	var3 >>= 14
	tFine = var2 + var3 + offset
	temp = (tFine*5 + 128) >> 8
	return temp, tFine
}

// compensatePressure converts a 20-bit pressure ADC code to Pascal. tFine
// must come from compensateTemp of the same raw frame.
func (c *calibrationData) compensatePressure(raw, tFine int32) int32 {
	var1 := int64(tFine>>1) - 64000
	var2 := ((((var1 >> 2) * (var1 >> 2)) >> 11) * int64(c.p6)) >> 2
	var2 += (var1 * int64(c.p5)) << 1
	var2 = (var2 >> 2) + (int64(c.p4) << 16)
	var1a := ((((var1 >> 2) * (var1 >> 2)) >> 13) * (int64(c.p3) << 5)) >> 3
	var1 = (var1a + ((var1 * int64(c.p2)) >> 1)) >> 18
	var1 = ((32768 + var1) * int64(c.p1)) >> 15

	press := int64(1048576) - int64(raw)
	press = (press - (var2 >> 12)) * 3125
	// The division order flips once the intermediate no longer fits 31 bits,
	// trading one bit of resolution against overflow of the pre-division
	// shift. The threshold comparison is exact.
	if press >= 1<<31 {
		press = (press / var1) << 1
	} else {
		press = (press << 1) / var1
	}

	var1 = (int64(c.p9) * (((press >> 3) * (press >> 3)) >> 13)) >> 12
	var2 = ((press >> 2) * int64(c.p8)) >> 13
	var3 := ((press >> 8) * (press >> 8) * (press >> 8) * int64(c.p10)) >> 17
	press += (var1 + var2 + var3 + (int64(c.p7) << 7)) >> 4
	return int32(press)
}

// compensateHumidity converts a 16-bit humidity ADC code to milli-percent
// relative humidity, clamped to [0, 100000]. tFine must come from
// compensateTemp of the same raw frame.
func (c *calibrationData) compensateHumidity(raw, tFine int32) int32 {
	tempScaled := (tFine*5 + 128) >> 8
	var1 := raw - int32(c.h1)*16 - (((tempScaled * int32(c.h3)) / 100) >> 1)
	var2 := (int32(c.h2) * ((tempScaled*int32(c.h4))/100 +
		((tempScaled*((tempScaled*int32(c.h5))/100))>>6)/100 +
		(1 << 14))) >> 10
	var3 := var1 * var2
	var4 := ((int32(c.h6) << 7) + (tempScaled*int32(c.h7))/100) >> 4
	var5 := ((var3 >> 14) * (var3 >> 14)) >> 10
	var6 := (var4 * var5) >> 1
	h := (((var3 + var6) >> 10) * 1000) >> 12
	if h > 100000 {
		h = 100000
	} else if h < 0 {
		h = 0
	}
	return h
}

// compensateGasLow converts a 10-bit gas ADC code and range to a resistance
// in Ohm for the low (BME680) variant. A negative division result is a
// documented wraparound, not an error: it is reinterpreted as an unsigned
// 32-bit value, matching the vendor reference bit for bit.
func (c *calibrationData) compensateGasLow(raw uint16, gasRange uint8) uint32 {
	var1 := ((1340 + 5*int64(c.rangeSwErr)) * int64(lookupTable1[gasRange])) >> 16
	var2 := (int64(raw) << 15) - 16777216 + var1
	var3 := (int64(lookupTable2[gasRange]) * var1) >> 9
	res := (var3 + (var2 >> 1)) / var2
	if res < 0 {
		res += 1 << 32
	}
	return uint32(res)
}

// compensateGasHigh converts a 10-bit gas ADC code and range to a resistance
// in Ohm for the high (BME688) variant.
func (c *calibrationData) compensateGasHigh(raw uint16, gasRange uint8) uint32 {
	var1 := int64(262144 >> gasRange)
	var2 := int64(raw) - 512
	var2 *= 3
	var2 = 4096 + var2
	return uint32((10000 * var1 / var2) * 100)
}

// calcHeaterResistance encodes a heater target temperature in °C into the
// 8-bit res_heat register value. ambient is the latest compensated
// temperature in centidegrees; the heater control loop uses it as the
// starting point. Targets are clamped to the heater's 200-400°C span.
func (c *calibrationData) calcHeaterResistance(target, ambient int32) uint8 {
	if target < 200 {
		target = 200
	} else if target > 400 {
		target = 400
	}
	var1 := ((ambient * int32(c.gh3)) / 1000) * 256
	var2 := (int32(c.gh1) + 784) * (((((int32(c.gh2) + 154009) * target * 5) / 100) + 3276800) / 10)
	var3 := var1 + (var2 / 2)
	var4 := var3 / (int32(c.resHeatRange) + 4)
	var5 := (131 * int32(c.resHeatVal)) + 65536
	resX100 := ((var4 / var5) - 250) * 34
	return uint8((resX100 + 50) / 100)
}

// calcHeaterDuration encodes a heater-on time in milliseconds into the 8-bit
// gas_wait register format: a 6-bit mantissa with a power-of-4 multiplier in
// the top 2 bits. Durations of 0xFC0 ms and above saturate to 0xFF.
func calcHeaterDuration(ms uint16) uint8 {
	if ms >= 0xFC0 {
		return 0xFF
	}
	var factor uint8
	for ms > 0x3F {
		ms /= 4
		factor++
	}
	return uint8(ms) + factor*64
}

// tempOffsetFine encodes a temperature bias in centidegrees Celsius into
// t_fine units so it can be added during temperature compensation. Zero maps
// to an explicit zero rather than through the formula, whose rounding term
// would otherwise produce a spurious bias.
func tempOffsetFine(centi int32) int32 {
	if centi == 0 {
		return 0
	}
	sign := int32(1)
	if centi < 0 {
		sign = -1
		centi = -centi
	}
	return sign * (((centi << 8) - 128) / 5)
}
