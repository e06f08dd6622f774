// Copyright 2025 The BME68x Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme68x

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// ErrReadTimeout is returned by Read and Sense when the sensor did not raise
// its new-data flag within the polling budget. The conversion time varies
// with oversampling and heater settings; the caller may simply retry the
// acquisition.
var ErrReadTimeout = errors.New("bme68x: data not ready after 10 polls")

const (
	pollPeriod   = 10 * time.Millisecond
	resetPeriod  = 10 * time.Millisecond
	readAttempts = 10
	// Budget for confirming a power-mode change. 50 polls at pollPeriod is
	// far beyond the longest conversion at maximum oversampling.
	modeAttempts = 50
)

// Opts defines the measurement configuration applied at initialization.
type Opts struct {
	Temperature Oversampling
	Pressure    Oversampling
	Humidity    Oversampling
	Filter      Filter
	// HeaterTemperature is the gas heater set-point written to profile 0.
	// Leave zero to skip heater programming entirely.
	HeaterTemperature physic.Temperature
	// HeaterDuration is the heater-on time for profile 0.
	HeaterDuration time.Duration
}

// DefaultOpts matches the vendor reference defaults: 8x/4x/2x oversampling
// for temperature/pressure/humidity, filter coefficient 3, heater at 320°C
// for 150ms.
var DefaultOpts = Opts{
	Temperature:       O8x,
	Pressure:          O4x,
	Humidity:          O2x,
	Filter:            F3,
	HeaterTemperature: physic.ZeroCelsius + 320*physic.Celsius,
	HeaterDuration:    150 * time.Millisecond,
}

// Reading is one compensated measurement.
type Reading struct {
	Temperature physic.Temperature
	Pressure    physic.Pressure
	Humidity    physic.RelativeHumidity
	// GasResistance is the resistance of the gas-sensitive layer. Lower
	// resistance means more volatile organic compounds in the air. Only
	// meaningful when GasValid and HeatStable are set.
	GasResistance physic.ElectricResistance
	// HeatStable reports that the heater held its target temperature for
	// this measurement.
	HeatStable bool
	// GasValid reports that the gas conversion completed.
	GasValid bool
	// GasIndex and MeasIndex echo the device's conversion counters.
	GasIndex  uint8
	MeasIndex uint8
}

func (r Reading) String() string {
	return fmt.Sprintf("%s %s %s %s", r.Temperature, r.Pressure, r.Humidity, r.GasResistance)
}

// rawFrame is the decoded form of the 17-byte field block. It only lives for
// the acquisition cycle that read it.
type rawFrame struct {
	gasIndex  uint8
	measIndex uint8
	pressADC  int32
	tempADC   int32
	humADC    int32
	// The block carries both variants' gas words; the chip variant decides
	// which pair is real.
	gasADCLow    uint16
	gasADCHigh   uint16
	gasRangeLow  uint8
	gasRangeHigh uint8
	heatStable   bool
	gasValid     bool
}

func parseFrame(regs []byte, v Variant) rawFrame {
	f := rawFrame{
		gasIndex:     regs[0] & maskGasIndex,
		measIndex:    regs[1],
		pressADC:     int32(regs[2])<<12 | int32(regs[3])<<4 | int32(regs[4])>>4,
		tempADC:      int32(regs[5])<<12 | int32(regs[6])<<4 | int32(regs[7])>>4,
		humADC:       int32(regs[8])<<8 | int32(regs[9]),
		gasADCLow:    uint16(regs[13])<<2 | uint16(regs[14])>>6,
		gasADCHigh:   uint16(regs[15])<<2 | uint16(regs[16])>>6,
		gasRangeLow:  regs[14] & maskGasRange,
		gasRangeHigh: regs[16] & maskGasRange,
	}
	status := regs[14]
	if v == VariantHigh {
		status = regs[16]
	}
	f.heatStable = status&maskHeatStable != 0
	f.gasValid = status&maskGasValid != 0
	return f
}

// Dev is a handle to an initialized BME680/BME688.
type Dev struct {
	d       *i2c.Dev
	opts    Opts
	variant Variant
	cal     calibrationData

	// tempOffset is the caller bias in t_fine units, applied at every
	// temperature compensation.
	tempOffset int32
	// ambient is the latest compensated temperature in centidegrees; the
	// heater resistance encoding needs it.
	ambient int32

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewI2C returns a handle to a BME680/BME688 on the given bus.
//
// The address must be DefaultAddress (0x76) or SecondaryAddress (0x77)
// depending on the wiring of the SDO pin. Passing nil opts selects
// DefaultOpts.
//
// Initialization verifies the chip identity, reads the chip variant, resets
// the device, decodes the calibration block and applies the configuration.
// One initial measurement is taken to seed the ambient temperature before
// the heater profile is programmed.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	switch addr {
	case DefaultAddress, SecondaryAddress:
	default:
		return nil, fmt.Errorf("bme68x: address 0x%x not supported by device", addr)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{d: &i2c.Dev{Bus: b, Addr: addr}, opts: *opts}
	if err := d.makeDev(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.variant, d.d)
}

func (d *Dev) makeDev() error {
	id, err := d.readByte(regChipID)
	if err != nil {
		return d.wrap(err)
	}
	if id != chipID {
		return fmt.Errorf("bme68x: unexpected chip id 0x%x", id)
	}
	variant, err := d.readByte(regVariant)
	if err != nil {
		return d.wrap(err)
	}
	d.variant = Variant(variant)

	if err := d.writeByte(regSoftReset, softResetCmd); err != nil {
		return d.wrap(err)
	}
	doSleep(resetPeriod)
	if err := d.setPowerMode(sleep); err != nil {
		return err
	}

	if err := d.readCalibration(); err != nil {
		return err
	}

	if err := d.setBits(regCtrlHum, maskOSHum, posOSHum, byte(d.opts.Humidity)); err != nil {
		return d.wrap(err)
	}
	if err := d.setBits(regCtrlMeas, maskOSPress, posOSPress, byte(d.opts.Pressure)); err != nil {
		return d.wrap(err)
	}
	if err := d.setBits(regCtrlMeas, maskOSTemp, posOSTemp, byte(d.opts.Temperature)); err != nil {
		return d.wrap(err)
	}
	if err := d.setBits(regConfig, maskFilter, posFilter, byte(d.opts.Filter)); err != nil {
		return d.wrap(err)
	}
	runGas := byte(runGasLow)
	if d.variant == VariantHigh {
		runGas = runGasHigh
	}
	if err := d.setBits(regCtrlGas1, maskRunGas, posRunGas, runGas); err != nil {
		return d.wrap(err)
	}

	// The first reading is discarded; it seeds the ambient temperature the
	// heater encoding depends on.
	if _, err := d.read(); err != nil {
		return err
	}

	if d.opts.HeaterTemperature != 0 {
		if err := d.setGasHeaterTemperature(d.opts.HeaterTemperature, 0); err != nil {
			return err
		}
		if err := d.setGasHeaterDuration(d.opts.HeaterDuration, 0); err != nil {
			return err
		}
		if err := d.selectGasHeaterProfile(0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dev) readCalibration() error {
	var blob [coeffLen]byte
	if err := d.readReg(regCoeff1, blob[:coeff1Len]); err != nil {
		return d.wrap(err)
	}
	if err := d.readReg(regCoeff2, blob[coeff1Len:]); err != nil {
		return d.wrap(err)
	}
	heatRange, err := d.readByte(regResHeatRange)
	if err != nil {
		return d.wrap(err)
	}
	heatVal, err := d.readByte(regResHeatVal)
	if err != nil {
		return d.wrap(err)
	}
	swErr, err := d.readByte(regRangeSwErr)
	if err != nil {
		return d.wrap(err)
	}
	d.cal = newCalibration(blob[:], heatRange, heatVal, swErr)
	return nil
}

// Read acquires one measurement in forced mode.
//
// It transitions the device from sleep to forced mode, polls the new-data
// flag up to 10 times at a 10ms interval, and compensates the raw frame. On
// ErrReadTimeout no partial reading is produced; the acquisition may be
// retried as a whole.
func (d *Dev) Read() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

func (d *Dev) read() (Reading, error) {
	if err := d.setPowerMode(forced); err != nil {
		return Reading{}, err
	}
	for attempt := 0; attempt < readAttempts; attempt++ {
		status, err := d.readByte(regField0)
		if err != nil {
			return Reading{}, d.wrap(err)
		}
		if status&maskNewData == 0 {
			doSleep(pollPeriod)
			continue
		}
		var buf [fieldLength]byte
		if err := d.readReg(regField0, buf[:]); err != nil {
			return Reading{}, d.wrap(err)
		}
		return d.compensate(parseFrame(buf[:], d.variant)), nil
	}
	return Reading{}, ErrReadTimeout
}

// compensate runs the fixed-point pipeline on one raw frame. Temperature
// must come first: its t_fine intermediate feeds the pressure and humidity
// formulas of the same frame.
func (d *Dev) compensate(f rawFrame) Reading {
	temp, tFine := d.cal.compensateTemp(f.tempADC, d.tempOffset)
	d.ambient = temp
	press := d.cal.compensatePressure(f.pressADC, tFine)
	hum := d.cal.compensateHumidity(f.humADC, tFine)
	var gas uint32
	if d.variant == VariantHigh {
		gas = d.cal.compensateGasHigh(f.gasADCHigh, f.gasRangeHigh)
	} else {
		gas = d.cal.compensateGasLow(f.gasADCLow, f.gasRangeLow)
	}
	return Reading{
		Temperature:   physic.ZeroCelsius + physic.Temperature(temp)*10*physic.MilliCelsius,
		Pressure:      physic.Pressure(press) * physic.Pascal,
		Humidity:      physic.RelativeHumidity(hum) * physic.MilliRH,
		GasResistance: physic.ElectricResistance(gas) * physic.Ohm,
		HeatStable:    f.heatStable,
		GasValid:      f.gasValid,
		GasIndex:      f.gasIndex,
		MeasIndex:     f.measIndex,
	}
}

// Sense requests a one time measurement as °C, Pa and % of relative
// humidity. Implements physic.SenseEnv. Gas resistance does not fit
// physic.Env; use Read for the full reading.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return errors.New("bme68x: already sensing continuously")
	}
	r, err := d.read()
	if err != nil {
		return err
	}
	e.Temperature = r.Temperature
	e.Pressure = r.Pressure
	e.Humidity = r.Humidity
	return nil
}

// SenseContinuous returns measurements on a continuous basis. Implements
// physic.SenseEnv.
//
// The application must call Halt() to stop the sensing when done to stop the
// sensor and close the channel.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
		d.wg.Wait()
	}
	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		d.sensingContinuous(interval, sensing, d.stop)
	}()
	return sensing, nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		e := physic.Env{}
		d.mu.Lock()
		r, err := d.read()
		d.mu.Unlock()
		if err != nil {
			if err != ErrReadTimeout {
				log.Printf("%s: failed to sense: %v", d, err)
				return
			}
			// A timed-out cycle produces no reading; retry on the next tick.
		} else {
			e.Temperature = r.Temperature
			e.Pressure = r.Pressure
			e.Humidity = r.Humidity
			select {
			case sensing <- e:
			case <-stop:
				return
			}
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = physic.Pascal
	e.Humidity = physic.MilliRH
}

// Halt stops a SenseContinuous loop. The device itself returns to sleep on
// its own after each forced conversion, so no command is sent.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	d.stop = nil
	d.wg.Wait()
	return nil
}

// SetTemperatureOffset sets a bias added to every temperature compensation,
// typically to cancel self-heating from nearby components. It also shifts
// the humidity result, which depends on the compensated temperature.
func (d *Dev) SetTemperatureOffset(offset physic.Temperature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	centi := int32(int64(offset) / int64(10*physic.MilliKelvin))
	d.tempOffset = tempOffsetFine(centi)
}

// SetGasHeaterTemperature encodes the heater set-point for the given profile
// slot (0-9) and writes it to the device. Set-points are clamped to the
// heater's 200-400°C span.
func (d *Dev) SetGasHeaterTemperature(t physic.Temperature, profile int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setGasHeaterTemperature(t, profile)
}

func (d *Dev) setGasHeaterTemperature(t physic.Temperature, profile int) error {
	if profile < profileMin || profile > profileMax {
		return fmt.Errorf("bme68x: heater profile %d out of range", profile)
	}
	target := int32(int64(t-physic.ZeroCelsius) / int64(physic.Celsius))
	res := d.cal.calcHeaterResistance(target, d.ambient)
	if err := d.writeByte(regResHeat0+byte(profile), res); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SetGasHeaterDuration encodes the heater-on time for the given profile slot
// (0-9) and writes it to the device. Durations of 0xFC0 ms and above
// saturate to the device maximum.
func (d *Dev) SetGasHeaterDuration(dur time.Duration, profile int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setGasHeaterDuration(dur, profile)
}

func (d *Dev) setGasHeaterDuration(dur time.Duration, profile int) error {
	if profile < profileMin || profile > profileMax {
		return fmt.Errorf("bme68x: heater profile %d out of range", profile)
	}
	ms := dur.Milliseconds()
	if ms < 0 {
		ms = 0
	} else if ms > 0xFFFF {
		ms = 0xFFFF
	}
	if err := d.writeByte(regGasWait0+byte(profile), calcHeaterDuration(uint16(ms))); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SelectGasHeaterProfile makes the given profile slot (0-9) the one used for
// the next gas conversions.
func (d *Dev) SelectGasHeaterProfile(profile int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selectGasHeaterProfile(profile)
}

func (d *Dev) selectGasHeaterProfile(profile int) error {
	if profile < profileMin || profile > profileMax {
		return fmt.Errorf("bme68x: heater profile %d out of range", profile)
	}
	if err := d.setBits(regCtrlGas1, maskNbConv, posNbConv, byte(profile)); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SetGasMeasurement enables or disables the gas conversion. The enable code
// differs between the two chip variants; the right one is picked
// automatically.
func (d *Dev) SetGasMeasurement(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var v byte
	if enable {
		v = runGasLow
		if d.variant == VariantHigh {
			v = runGasHigh
		}
	}
	if err := d.setBits(regCtrlGas1, maskRunGas, posRunGas, v); err != nil {
		return d.wrap(err)
	}
	return nil
}

// SetOversampling changes the oversampling of the three channels. Off
// disables a channel entirely.
func (d *Dev) SetOversampling(temperature, pressure, humidity Oversampling) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setBits(regCtrlHum, maskOSHum, posOSHum, byte(humidity)); err != nil {
		return d.wrap(err)
	}
	if err := d.setBits(regCtrlMeas, maskOSPress, posOSPress, byte(pressure)); err != nil {
		return d.wrap(err)
	}
	if err := d.setBits(regCtrlMeas, maskOSTemp, posOSTemp, byte(temperature)); err != nil {
		return d.wrap(err)
	}
	d.opts.Temperature = temperature
	d.opts.Pressure = pressure
	d.opts.Humidity = humidity
	return nil
}

// SetFilter changes the IIR filter coefficient.
func (d *Dev) SetFilter(f Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setBits(regConfig, maskFilter, posFilter, byte(f)); err != nil {
		return d.wrap(err)
	}
	d.opts.Filter = f
	return nil
}

// Variant returns the chip variant detected at initialization.
func (d *Dev) Variant() Variant {
	return d.variant
}

// setPowerMode writes the requested power mode and blocks until the mode
// register reads it back, polling at pollPeriod. The wait is bounded; a
// device that never confirms the transition reports an error instead of
// hanging the caller.
func (d *Dev) setPowerMode(m mode) error {
	if err := d.setBits(regCtrlMeas, maskMode, posMode, byte(m)); err != nil {
		return d.wrap(err)
	}
	for attempt := 0; attempt < modeAttempts; attempt++ {
		cur, err := d.readByte(regCtrlMeas)
		if err != nil {
			return d.wrap(err)
		}
		if mode(cur&maskMode) == m {
			return nil
		}
		doSleep(pollPeriod)
	}
	return fmt.Errorf("bme68x: power mode %d not confirmed", m)
}

// setBits updates a masked field of a packed register, read-modify-write.
func (d *Dev) setBits(reg, mask, pos, value byte) error {
	cur, err := d.readByte(reg)
	if err != nil {
		return err
	}
	cur &^= mask
	cur |= (value << pos) & mask
	return d.writeByte(reg, cur)
}

func (d *Dev) readReg(reg byte, b []byte) error {
	return d.d.Tx([]byte{reg}, b)
}

func (d *Dev) readByte(reg byte) (byte, error) {
	var b [1]byte
	if err := d.readReg(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Dev) writeByte(reg, value byte) error {
	return d.d.Tx([]byte{reg, value}, nil)
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("bme68x: %w", err)
}

// Replaced in tests to avoid real delays.
var doSleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
