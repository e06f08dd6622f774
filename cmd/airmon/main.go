// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// airmon reads a BME680/BME688 over I²C, runs an air quality burn-in and
// prints a score for every reading.
package main

import (
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/jessevdk/go-flags"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/envsense/bme68x"
	"github.com/envsense/bme68x/iaq"
)

type ProgramArgs struct {
	// Sensor Options
	I2CDevice string `short:"D" long:"i2cdev" description:"The used I2C device (default: auto)"`
	Address   uint16 `short:"A" long:"address" default:"118" description:"I2C address of the sensor (118 = 0x76)"`
	Interval  uint16 `short:"I" long:"interval" default:"5" description:"Seconds between readings"`

	// Air Quality Options
	BurnIn    uint16  `short:"B" long:"burn-in" default:"300" description:"Burn-in duration in seconds"`
	Weight    float64 `short:"W" long:"weight" default:"0.25" description:"Humidity weight of the score"`
	Threshold float64 `short:"T" long:"threshold" default:"80" description:"Score threshold for the ventilation hint"`
}

var args ProgramArgs

func setupI2CBus(i2cdev string) i2c.BusCloser {
	if _, err := host.Init(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		log.Fatalf("Couldn't open I2C device: %v", err)
	}

	return bus
}

func main() {
	args = ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	if _, err := argParser.Parse(); err != nil {
		os.Exit(1)
	}

	bus := setupI2CBus(args.I2CDevice)
	defer bus.Close()

	dev, err := bme68x.NewI2C(bus, args.Address, &bme68x.DefaultOpts)
	if err != nil {
		log.Fatalf("Couldn't initialize sensor: %v", err)
	}
	defer dev.Halt()
	log.Printf("Found %s", dev)

	monitor := iaq.New(dev, &iaq.Opts{
		HumidityWeight: args.Weight,
		SampleInterval: time.Second,
	})

	log.Printf("Burning in for %ds…", args.BurnIn)
	baseline, err := monitor.BurnIn(time.Duration(args.BurnIn) * time.Second)
	if err != nil {
		log.Fatalf("Burn-in failed: %v", err)
	}
	log.Printf("Baseline: %.0f Ω at %.1f%% RH", baseline.GasResistance, baseline.Humidity)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	ticker := time.NewTicker(time.Duration(args.Interval) * time.Second)
	defer ticker.Stop()

	for {
		r, err := dev.Read()
		if err != nil {
			// A timed-out conversion yields no reading for this cycle.
			log.Printf("Read failed: %v", err)
		} else {
			score := monitor.Score(r)
			if score == iaq.Unavailable {
				log.Printf("%s, air quality not ready", r)
			} else {
				log.Printf("%s, score %.1f, ventilate: %t", r, score, monitor.SafeToVentilate(r, args.Threshold))
			}
		}

		select {
		case <-sigChan:
			return
		case <-ticker.C:
		}
	}
}
