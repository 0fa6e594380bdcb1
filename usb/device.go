package usb

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wallera-computer/tzapp/log"
)

// Handler consumes a reassembled message and returns the response to send back.
// A Handler must always return a response, the error is only logged.
type Handler func(message []byte) ([]byte, error)

// Device is the device side of the HID link: it reassembles incoming reports into messages
// and frames the responses.
type Device struct {
	h       Handler
	session *Session

	l *zap.SugaredLogger
}

func NewDevice(h Handler, l *zap.Logger) *Device {
	return &Device{
		h: h,
		l: log.OrNop(l).Named("hid").Sugar(),
	}
}

// Rx handles one HID report. It returns the response reports once a whole message has been
// read, nothing otherwise.
// onError is sent back to the host in place of a response when the report stream is
// malformed.
func (d *Device) Rx(report []byte, onError []byte) ([][]byte, error) {
	d.l.Debugw("handling rx", "length", len(report))

	if d.session == nil {
		s, err := NewSession(report, d.l)
		if err != nil {
			return d.abort(report, onError, err)
		}

		d.session = &s
	} else if err := d.session.ReadData(report); err != nil {
		return d.abort(report, onError, err)
	}

	if d.session.ShouldReadMore {
		d.l.Debug("should still read more data, continuing")
		return nil, nil
	}

	s := d.session
	d.session = nil

	resp, err := d.h(s.Data())
	if err != nil {
		d.l.Errorw("cannot handle session data", "error", err)
	}

	return s.FormatResponse(resp)
}

func (d *Device) abort(report, onError []byte, cause error) ([][]byte, error) {
	d.l.Errorw("cannot read input data", "error", cause)

	channelID := uint16(0)
	if d.session != nil {
		channelID = d.session.ChannelID()
	} else if len(report) >= 2 {
		channelID = uint16(report[0])<<8 | uint16(report[1])
	}
	d.session = nil

	if channelID == 0 {
		return nil, cause
	}

	frames, err := Frames(channelID, onError)
	if err != nil {
		return nil, fmt.Errorf("%v, %w", cause, err)
	}

	return frames, cause
}

// Loopback is an Interface wired straight into a Device, standing in for a real USB link.
type Loopback struct {
	d       *Device
	onError []byte
	pending [][]byte
}

func NewLoopback(d *Device, onError []byte) *Loopback {
	return &Loopback{
		d:       d,
		onError: onError,
	}
}

func (lb *Loopback) Write(data []byte) error {
	frames, err := lb.d.Rx(data, lb.onError)
	lb.pending = append(lb.pending, frames...)

	if len(frames) == 0 {
		return err
	}

	return nil
}

func (lb *Loopback) Read() ([]byte, error) {
	if len(lb.pending) == 0 {
		return nil, fmt.Errorf("no data available")
	}

	r := lb.pending[0]
	lb.pending = lb.pending[1:]

	return r, nil
}

// Exchange sends message over i on channelID and reads back the response.
func Exchange(i Interface, channelID uint16, message []byte) ([]byte, error) {
	frames, err := Frames(channelID, message)
	if err != nil {
		return nil, err
	}

	for _, f := range frames {
		if err := i.Write(f); err != nil {
			return nil, err
		}
	}

	first, err := i.Read()
	if err != nil {
		return nil, err
	}

	s, err := NewSession(first, nil)
	if err != nil {
		return nil, err
	}

	for s.ShouldReadMore {
		r, err := i.Read()
		if err != nil {
			return nil, err
		}

		if err := s.ReadData(r); err != nil {
			return nil, err
		}
	}

	if s.ChannelID() != channelID {
		return nil, fmt.Errorf("response on channel %v, expected %v", s.ChannelID(), channelID)
	}

	return s.Data(), nil
}
