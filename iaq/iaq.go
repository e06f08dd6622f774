// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package iaq derives an indoor air quality score from BME680/BME688
// readings.
//
// The metal-oxide gas sensor has no absolute scale; its resistance drifts
// with age and environment. A burn-in window establishes a clean-air
// baseline, and live readings are scored against it. Scores near 100 mean
// air comparable to the baseline; scores above 100 are possible and mean
// cleaner air than the baseline.
package iaq

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/envsense/bme68x"
)

// ErrNoStableSamples is returned by BurnIn when the heater never reported a
// stable measurement during the whole window. The previous baseline, if any,
// is left untouched.
var ErrNoStableSamples = errors.New("iaq: no heat-stable samples during burn-in")

const (
	// Unavailable is returned by Score when no baseline is established or
	// the reading carries no gas measurement.
	Unavailable = -1.0
	// DefaultThreshold is a reasonable ventilation threshold for the 0-100
	// score scale.
	DefaultThreshold = 80.0
	// baselineWindow is how many of the most recent burn-in samples form
	// the baseline. Earlier samples are still settling thermally.
	baselineWindow = 50
)

// Sampler produces compensated readings. *bme68x.Dev implements it.
type Sampler interface {
	Read() (bme68x.Reading, error)
}

// Opts configures a Monitor.
type Opts struct {
	// HumidityWeight is the share of the total score attributed to
	// humidity, the rest goes to gas resistance.
	HumidityWeight float64
	// SampleInterval is the cadence of burn-in sampling.
	SampleInterval time.Duration
}

// DefaultOpts weighs humidity at 25% and samples once per second.
var DefaultOpts = Opts{
	HumidityWeight: 0.25,
	SampleInterval: time.Second,
}

// Baseline is the reference state scored against.
type Baseline struct {
	// GasResistance is the clean-air gas resistance in Ω.
	GasResistance float64
	// Humidity is the reference relative humidity in %.
	Humidity float64
	// Established reports whether a burn-in completed with at least one
	// accepted sample.
	Established bool
}

// Monitor scores readings from one sensor against its baseline.
type Monitor struct {
	sampler Sampler
	opts    Opts

	mu       sync.Mutex
	baseline Baseline
}

// New returns a Monitor drawing samples from s. Passing nil opts selects
// DefaultOpts; zero fields of a non-nil opts fall back to their defaults
// individually.
func New(s Sampler, opts *Opts) *Monitor {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.HumidityWeight == 0 {
		o.HumidityWeight = DefaultOpts.HumidityWeight
	}
	if o.SampleInterval == 0 {
		o.SampleInterval = DefaultOpts.SampleInterval
	}
	return &Monitor{sampler: s, opts: o}
}

// BurnIn samples the sensor for the given duration at the configured cadence
// and establishes a new baseline from the accepted samples. Only readings
// with a stable heater are accepted. Timed-out acquisitions are skipped;
// any other read error aborts the burn-in and leaves the baseline untouched.
//
// The new baseline replaces the previous one atomically on success.
func (m *Monitor) BurnIn(d time.Duration) (Baseline, error) {
	n := int(d / m.opts.SampleInterval)
	if n < 1 {
		n = 1
	}
	var gas, hum []float64
	for i := 0; i < n; i++ {
		if i > 0 {
			doSleep(m.opts.SampleInterval)
		}
		r, err := m.sampler.Read()
		if errors.Is(err, bme68x.ErrReadTimeout) {
			// This cycle produced no reading; keep sampling.
			continue
		}
		if err != nil {
			return m.Baseline(), err
		}
		if !r.HeatStable {
			continue
		}
		gas = append(gas, float64(r.GasResistance)/float64(physic.Ohm))
		hum = append(hum, float64(r.Humidity)/float64(physic.PercentRH))
	}
	if len(gas) == 0 {
		return m.Baseline(), ErrNoStableSamples
	}
	b := Baseline{
		GasResistance: meanOfTail(gas, baselineWindow),
		Humidity:      meanOfTail(hum, baselineWindow),
		Established:   true,
	}
	m.mu.Lock()
	m.baseline = b
	m.mu.Unlock()
	return b, nil
}

// meanOfTail averages the last n values, or all of them when fewer exist.
func meanOfTail(values []float64, n int) float64 {
	if len(values) > n {
		values = values[len(values)-n:]
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Baseline returns the current baseline.
func (m *Monitor) Baseline() Baseline {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

// Score rates a reading against the baseline on a nominal 0-100 scale.
// Higher is better and values above 100 indicate air cleaner than the
// baseline. It returns Unavailable when no baseline is established or when
// the reading's gas resistance is zero, which the sensor produces before its
// first valid gas conversion.
func (m *Monitor) Score(r bme68x.Reading) float64 {
	b := m.Baseline()
	if !b.Established {
		return Unavailable
	}
	gas := float64(r.GasResistance) / float64(physic.Ohm)
	if gas == 0 {
		return Unavailable
	}
	hum := float64(r.Humidity) / float64(physic.PercentRH)
	w := m.opts.HumidityWeight

	humOffset := hum - b.Humidity
	var scoreHum float64
	if humOffset > 0 {
		scoreHum = (100 - b.Humidity - humOffset) / (100 - b.Humidity) * (w * 100)
	} else {
		scoreHum = (b.Humidity + humOffset) / b.Humidity * (w * 100)
	}

	gasOffset := b.GasResistance - gas
	var scoreGas float64
	if gasOffset > 0 {
		scoreGas = (gas / b.GasResistance) * (100 - w*100)
	} else {
		scoreGas = 100 - w*100
	}
	return scoreHum + scoreGas
}

// SafeToVentilate reports whether the reading scores at or above the given
// threshold. It is always false before a baseline is established.
func (m *Monitor) SafeToVentilate(r bme68x.Reading, threshold float64) bool {
	s := m.Score(r)
	return s >= 0 && s >= threshold
}

// Replaced in tests to avoid real delays.
var doSleep = time.Sleep
