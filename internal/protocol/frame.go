package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode returns the complete frame for msg.
func Encode(msg Message) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	var flags Flags
	if len(payload) > CompressThreshold {
		if packed := zstdEncoder.EncodeAll(payload, nil); len(packed) < len(payload) {
			payload = packed
			flags |= FlagCompressed
		}
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	frame[4] = byte(flags)
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder turns an arbitrarily split byte stream into messages. It is
// restartable: bytes of an incomplete frame are kept until the rest arrives.
// A Decoder is owned by one goroutine.
type Decoder struct {
	buf []byte
}

// Feed appends data and returns every message completed by it, in order.
// Frames whose payload cannot be decoded are dropped and reported through
// the returned error (joined, each wrapping ErrProtocol); decoding carries on
// with the next frame. A header announcing more than MaxPayloadSize leaves
// no way to find the next frame boundary, so the buffer is discarded.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	d.Append(data)

	var msgs []Message
	var errs []error
	for {
		msg, ok, err := d.Next()
		if err != nil {
			errs = append(errs, err)
		}
		if !ok {
			break
		}
		if err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, errors.Join(errs...)
}

// Next decodes at most one complete frame from the buffered bytes, without
// consuming anything beyond it. ok is false when no complete frame is
// buffered. Callers that must stop exactly at a frame boundary (a TLS
// upgrade, a relay hand-off) use Next instead of Feed.
func (d *Decoder) Next() (msg Message, ok bool, err error) {
	if len(d.buf) < HeaderSize {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:4])
	if n > MaxPayloadSize {
		d.buf = nil
		return nil, false, fmt.Errorf("%w: %w: frame announces %d bytes", ErrProtocol, ErrPayloadTooLarge, n)
	}
	end := HeaderSize + int(n)
	if len(d.buf) < end {
		return nil, false, nil
	}
	flags := Flags(d.buf[4])
	payload := d.buf[HeaderSize:end]
	d.buf = d.buf[end:]
	msg, err = decodeFrame(flags, payload)
	return msg, true, err
}

// Append buffers data without decoding it.
func (d *Decoder) Append(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns a copy of the bytes not yet consumed.
func (d *Decoder) Buffered() []byte {
	return append([]byte(nil), d.buf...)
}

// Reset discards buffered bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}

func decodeFrame(flags Flags, payload []byte) (Message, error) {
	if flags&FlagCompressed != 0 {
		plain, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrProtocol, err)
		}
		payload = plain
	}
	return Unmarshal(payload)
}
