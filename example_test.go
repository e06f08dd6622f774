// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme68x_test

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/envsense/bme68x"
)

func Example() {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	// Use i2creg I²C bus registry to find the first available I²C bus.
	b, err := i2creg.Open("")
	if err != nil {
		log.Fatalf("failed to open I²C: %v", err)
	}
	defer b.Close()

	// nil for default options or &bme68x.DefaultOpts.
	d, err := bme68x.NewI2C(b, bme68x.DefaultAddress, nil)
	if err != nil {
		log.Fatalf("failed to initialize sensor: %v", err)
	}
	defer d.Halt()

	r, err := d.Read()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%8s %10s %9s %9s\n", r.Temperature, r.Pressure, r.Humidity, r.GasResistance)
}
