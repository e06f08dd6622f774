// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bme68x controls a Bosch BME680 or BME688 environmental sensor over
// I²C.
//
// The sensor measures temperature, pressure, relative humidity and the
// resistance of a gas-sensitive metal-oxide layer. All compensation is done
// with the vendor's integer formulas, so two hosts reading the same raw
// frame with the same calibration produce identical values.
//
// The iaq subpackage turns gas resistance and humidity readings into a
// simple indoor air quality score.
//
// # Datasheet
//
// https://www.bosch-sensortec.com/media/boschsensortec/downloads/datasheets/bst-bme688-ds000.pdf
package bme68x
