// Package usb implements the HID framing hosts use to exchange APDUs with the device.
package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"
)

const (
	// ReportSize is the size of every HID report on the wire.
	ReportSize = 64

	// MaxMessageSize bounds the size of a reassembled message.
	MaxMessageSize = 4096

	hidFrameMaxDataSize = 57
	hidFrameTag         = 0x05
)

// Interface represents a high-level USB implementation which provides means of communication with
// a USB host.
type Interface interface {
	// Read reads an amount of bytes from the underlying USB handlers, and returns
	// them for processing.
	Read() ([]byte, error)

	// Write writes data to the underlying USB handler, returns an error if any.
	Write(data []byte) error
}

type Frame interface {
	ChannelID() uint16
	Tag() uint8
	PacketIndex() uint16
	DataLength() uint16
	Data() []byte

	Type() int
	validate() error
}

const (
	typeFrame     = 1
	typeFrameNext = 2
)

// HIDFrame represents a HID frame compatible with LedgerJS implementation.
type HIDFrame struct {
	ChannelIDInner   uint16   // 2 bytes
	TagInner         uint8    // 1 byte
	PacketIndexInner uint16   // 2 bytes
	DataLengthInner  uint16   // 2 bytes
	DataInner        [57]byte // 57 bytes
}

func (hf HIDFrame) Type() int {
	return typeFrame
}

func (hf HIDFrame) ChannelID() uint16 {
	return hf.ChannelIDInner
}

func (hf HIDFrame) Tag() uint8 {
	return hf.TagInner
}

func (hf HIDFrame) PacketIndex() uint16 {
	return hf.PacketIndexInner
}

func (hf HIDFrame) DataLength() uint16 {
	return hf.DataLengthInner
}

func (hf HIDFrame) Data() []byte {
	return hf.DataInner[:]
}

// HIDFrameNext represents a HID frame that comes with sequence number > 0
type HIDFrameNext struct {
	ChannelIDInner   uint16   // 2 bytes
	TagInner         uint8    // 1 byte
	PacketIndexInner uint16   // 2 bytes
	DataInner        [59]byte // 59 bytes
}

func (hf HIDFrameNext) Type() int {
	return typeFrameNext
}

func (hf HIDFrameNext) ChannelID() uint16 {
	return hf.ChannelIDInner
}

func (hf HIDFrameNext) Tag() uint8 {
	return hf.TagInner
}

func (hf HIDFrameNext) PacketIndex() uint16 {
	return hf.PacketIndexInner
}

func (hf HIDFrameNext) DataLength() uint16 {
	return 0
}

func (hf HIDFrameNext) Data() []byte {
	return hf.DataInner[:]
}

func validateHeader(tag uint8, channelID uint16) error {
	if tag != hidFrameTag {
		return fmt.Errorf("invalid frame tag")
	}

	if channelID == 0 {
		return fmt.Errorf("channel id cannot be zero")
	}

	return nil
}

// validate performs some basic validation on h.
func (h HIDFrame) validate() error {
	if err := validateHeader(h.TagInner, h.ChannelIDInner); err != nil {
		return err
	}

	if h.PacketIndexInner != 0 {
		return fmt.Errorf("first frame must have index zero, got %v", h.PacketIndexInner)
	}

	if h.DataLengthInner > MaxMessageSize {
		return fmt.Errorf("message too long: %v bytes", h.DataLengthInner)
	}

	return nil
}

// validate performs some basic validation on h.
func (h HIDFrameNext) validate() error {
	return validateHeader(h.TagInner, h.ChannelIDInner)
}

// readFrame reads data into dest, returning an error if any.
func readFrame(data []byte, dest Frame) error {
	if len(data) != ReportSize {
		return fmt.Errorf("data must be exactly %d bytes long", ReportSize)
	}

	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, dest); err != nil {
		return fmt.Errorf("invalid data, %w", err)
	}

	return nil
}

// Session represents a single data transmission session, identified by its channel ID.
type Session struct {
	channelID          uint16
	lastReadFrameIndex uint16
	data               *bytes.Buffer
	ShouldReadMore     bool
	amountToRead       uint16

	l *zap.SugaredLogger
}

// ReadData reads data into s.
// If this method is called on a fresh instance of Session, data will be handled as a HIDFrame,
// otherwise as a HIDFrameNext.
func (s *Session) ReadData(data []byte) error {
	var dest Frame

	dest = &HIDFrame{}
	if s.channelID != 0 {
		dest = &HIDFrameNext{}
	}

	err := readFrame(data, dest)
	if err != nil {
		return err
	}

	if err := dest.validate(); err != nil {
		return err
	}

	return s.ReadFrame(dest)
}

// ReadFrame does some basic checks on frame, and if positive will read frame data into s.
func (s *Session) ReadFrame(frame Frame) error {
	if s.channelID == 0 { // we're reading first frame
		if frame.Type() != typeFrame {
			return fmt.Errorf("session must start with an init frame")
		}

		return s.readFrame(frame)
	}

	if !s.ShouldReadMore {
		return fmt.Errorf("cannot read any more data in this session")
	}

	if frame.Type() != typeFrameNext {
		return fmt.Errorf("cannot read init packet in already initialized session")
	}

	if s.channelID != frame.ChannelID() {
		return fmt.Errorf("different channel ID: expecting %v, received %v", s.channelID, frame.ChannelID())
	}

	if frame.PacketIndex() != s.lastReadFrameIndex+1 {
		return fmt.Errorf("received out-of-order packet: expecting %v, received %v", s.lastReadFrameIndex+1, frame.PacketIndex())
	}

	return s.readFrame(frame)
}

func (s *Session) readFrame(frame Frame) error {
	s.channelID = frame.ChannelID()
	s.lastReadFrameIndex = frame.PacketIndex()

	s.data.Write(frame.Data())

	if frame.Type() == typeFrame {
		// we check against hidFrameMaxDataSize because if we're here
		// we're reading a HIDFrame, hence it might be all done in
		// a single frame.
		s.ShouldReadMore = frame.DataLength() > hidFrameMaxDataSize
		s.amountToRead = frame.DataLength()
		s.l.Debugw("read from initFrame", "amount", s.amountToRead)
	}

	if s.data.Len() >= int(s.amountToRead) {
		// since we read the entirety of the data field in s.data,
		// when this condition is true it means we finished writing, but
		// we must trim the data to s.amountToRead.
		s.ShouldReadMore = false

		lenBefTrunc := s.data.Len()
		s.data.Truncate(int(s.amountToRead))
		s.l.Debugw("data truncation", "before", lenBefTrunc, "after", s.data.Len())
	}

	return nil
}

const (
	defaultChunkSize = hidFrameMaxDataSize
	nextChunkSize    = 59
)

func chunkFunc(data []byte, size int) [][]byte {
	if len(data) <= size {
		return [][]byte{data}
	}

	chunks := int(math.Ceil(float64(len(data)) / float64(size)))

	ret := make([][]byte, 0, chunks)

	start := 0
	finish := size

	for idx := 0; idx < chunks; idx++ {
		if idx+1 == chunks {
			finish = len(data)
		}

		ret = append(ret, data[start:finish])
		start = start + size
		finish = finish + size
	}

	return ret
}

func chunk(data []byte) [][]byte {
	return chunkFunc(data, nextChunkSize)
}

// Frames splits data in HID reports for channelID.
func Frames(channelID uint16, data []byte) ([][]byte, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too long: %v bytes", len(data))
	}

	firstChunk := data
	var rest []byte
	if len(data) > defaultChunkSize {
		firstChunk = data[:defaultChunkSize]
		rest = data[defaultChunkSize:]
	}

	hf := HIDFrame{
		ChannelIDInner:   channelID,
		TagInner:         hidFrameTag,
		PacketIndexInner: uint16(0),
		// DataLength is only present in the first HID frame, and is composed by the
		// first frame length along with the remaining data length.
		DataLengthInner: uint16(len(data)),
	}

	copy(hf.DataInner[:], firstChunk)

	ret := [][]byte{}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, hf); err != nil {
		return nil, err
	}
	ret = append(ret, buf.Bytes())

	if len(rest) == 0 {
		return ret, nil
	}

	for i, chunk := range chunk(rest) {
		hf := HIDFrameNext{
			ChannelIDInner:   channelID,
			TagInner:         hidFrameTag,
			PacketIndexInner: uint16(i + 1),
		}

		copy(hf.DataInner[:], chunk)

		buf := &bytes.Buffer{}
		if err := binary.Write(buf, binary.BigEndian, hf); err != nil {
			return nil, err
		}
		ret = append(ret, buf.Bytes())
	}

	return ret, nil
}

// FormatResponse splits data in HID reports on the channel s was opened on.
func (s *Session) FormatResponse(data []byte) ([][]byte, error) {
	return Frames(s.channelID, data)
}

func (s *Session) ChannelID() uint16 {
	return s.channelID
}

func (s *Session) Data() []byte {
	return s.data.Bytes()
}

// NewSession returns a Session initialized with whatever data frame contains.
func NewSession(data []byte, l *zap.SugaredLogger) (Session, error) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}

	s := Session{
		data:           &bytes.Buffer{},
		ShouldReadMore: true,

		l: l,
	}

	err := s.ReadData(data)
	if err != nil {
		return Session{}, err
	}

	return s, nil
}
