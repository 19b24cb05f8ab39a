package bfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// Version is the BFD protocol version (RFC 5880 Section 4.1).
// This document defines protocol version 1.
const Version uint8 = 1

// HeaderSize is the BFD Control packet size in bytes (RFC 5880 Section 4.1:
// 6 x 32-bit words = 24 bytes). Authentication is not supported, so every
// packet this codec produces or accepts is exactly HeaderSize bytes.
const HeaderSize = 24

// MaxPacketSize is the maximum BFD Control packet size this codec will
// marshal or accept. With no authentication section, this equals HeaderSize.
const MaxPacketSize = HeaderSize

// unknownFmt is the format string for unrecognized enum values with numeric code.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Diagnostic Codes — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// Diag represents the BFD Diagnostic code (RFC 5880 Section 4.1).
// This is a 5-bit field; values 0-8 are defined, 9-31 are reserved.
type Diag uint8

const (
	// DiagNone indicates no diagnostic (RFC 5880 Section 4.1: value 0).
	DiagNone Diag = 0

	// DiagControlTimeExpired indicates the control detection time expired
	// (RFC 5880 Section 4.1: value 1).
	DiagControlTimeExpired Diag = 1

	// DiagEchoFailed indicates the echo function failed
	// (RFC 5880 Section 4.1: value 2). The echo function is not
	// implemented; this code is never originated locally but is accepted
	// from a remote peer.
	DiagEchoFailed Diag = 2

	// DiagNeighborDown indicates the neighbor signaled session down
	// (RFC 5880 Section 4.1: value 3).
	DiagNeighborDown Diag = 3

	// DiagForwardingPlaneReset indicates the forwarding plane was reset
	// (RFC 5880 Section 4.1: value 4).
	DiagForwardingPlaneReset Diag = 4

	// DiagPathDown indicates the path is down
	// (RFC 5880 Section 4.1: value 5).
	DiagPathDown Diag = 5

	// DiagConcatPathDown indicates a concatenated path is down
	// (RFC 5880 Section 4.1: value 6).
	DiagConcatPathDown Diag = 6

	// DiagAdminDown indicates the session is administratively down
	// (RFC 5880 Section 4.1: value 7).
	DiagAdminDown Diag = 7

	// DiagReverseConcatPathDown indicates a reverse concatenated path is down
	// (RFC 5880 Section 4.1: value 8).
	DiagReverseConcatPathDown Diag = 8
)

// maxValidDiag is the highest diagnostic code defined by RFC 5880 Section 4.1.
const maxValidDiag = uint8(DiagReverseConcatPathDown)

// diagNames maps diagnostic codes to human-readable strings.
var diagNames = [9]string{
	"None",
	"Control Detection Time Expired",
	"Echo Function Failed",
	"Neighbor Signaled Session Down",
	"Forwarding Plane Reset",
	"Path Down",
	"Concatenated Path Down",
	"Administratively Down",
	"Reverse Concatenated Path Down",
}

// String returns the human-readable name for the diagnostic code.
func (d Diag) String() string {
	if int(d) < len(diagNames) {
		return diagNames[d]
	}
	return fmt.Sprintf(unknownFmt, uint8(d))
}

// -------------------------------------------------------------------------
// Session State — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// State represents the BFD session state (RFC 5880 Section 4.1, Section 6.2).
// This is a 2-bit field in the wire format.
type State uint8

const (
	// StateAdminDown indicates the session is administratively down
	// (RFC 5880 Section 4.1: value 0).
	StateAdminDown State = 0

	// StateDown indicates the session is down or has just been created
	// (RFC 5880 Section 4.1: value 1).
	StateDown State = 1

	// StateInit indicates the remote session is down but local session is up
	// (RFC 5880 Section 4.1: value 2).
	StateInit State = 2

	// StateUp indicates the session is fully established
	// (RFC 5880 Section 4.1: value 3).
	StateUp State = 3
)

// stateNames maps state values to human-readable strings.
var stateNames = [4]string{
	"AdminDown",
	"Down",
	"Init",
	"Up",
}

// String returns the human-readable name for the session state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// -------------------------------------------------------------------------
// ControlPacket — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// ControlPacket represents a decoded BFD Control packet (RFC 5880 Section 4.1).
//
// Field names match the RFC terminology exactly. All interval fields are in
// MICROSECONDS as specified in the RFC wire format. Callers convert to
// time.Duration at the boundary:
//
//	interval := time.Duration(pkt.DesiredMinTxInterval) * time.Microsecond
type ControlPacket struct {
	// Version is the protocol version (3 bits). MUST be 1
	// (RFC 5880 Section 4.1).
	Version uint8

	// Diag is the diagnostic code (5 bits) indicating the reason for
	// the last session state change (RFC 5880 Section 4.1).
	Diag Diag

	// State is the current BFD session state (2 bits)
	// (RFC 5880 Section 4.1).
	State State

	// Poll indicates the transmitting system is requesting verification
	// of connectivity or a parameter change (P bit, RFC 5880 Section 4.1).
	Poll bool

	// Final indicates the transmitting system is responding to a received
	// Poll (F bit, RFC 5880 Section 4.1).
	Final bool

	// ControlPlaneIndependent indicates BFD does not share fate with the
	// control plane (C bit, RFC 5880 Section 4.1).
	ControlPlaneIndependent bool

	// AuthPresent indicates the Authentication Section is present
	// (A bit, RFC 5880 Section 4.1). Never set on transmit; a packet
	// received with this bit set is rejected outright.
	AuthPresent bool

	// Demand indicates Demand mode is active in the transmitting system
	// (D bit, RFC 5880 Section 4.1). Only ever honored when set by a
	// remote peer; never originated locally.
	Demand bool

	// Multipoint is reserved for future point-to-multipoint extensions.
	// MUST be zero on both transmit and receipt (M bit, RFC 5880 Section 4.1).
	Multipoint bool

	// DetectMult is the detection time multiplier (RFC 5880 Section 4.1).
	// The negotiated transmit interval multiplied by this value provides
	// the Detection Time for the receiving system.
	DetectMult uint8

	// Length is the total packet length in bytes (RFC 5880 Section 4.1).
	// Always HeaderSize, since no authentication section is supported.
	Length uint8

	// MyDiscriminator is a unique, nonzero discriminator value generated
	// by the transmitting system (RFC 5880 Section 4.1). Offset: bytes 4-7.
	MyDiscriminator uint32

	// YourDiscriminator reflects back the received My Discriminator from
	// the remote system, or zero if unknown (RFC 5880 Section 4.1).
	// Offset: bytes 8-11.
	YourDiscriminator uint32

	// DesiredMinTxInterval is the minimum TX interval in MICROSECONDS
	// (RFC 5880 Section 4.1). The value zero is reserved.
	// Offset: bytes 12-15.
	DesiredMinTxInterval uint32

	// RequiredMinRxInterval is the minimum acceptable RX interval in
	// MICROSECONDS (RFC 5880 Section 4.1). Zero means "don't send me
	// periodic packets." Offset: bytes 16-19.
	RequiredMinRxInterval uint32

	// RequiredMinEchoRxInterval is the minimum acceptable Echo RX interval
	// in MICROSECONDS (RFC 5880 Section 4.1). Always zero on transmit: the
	// echo function is not implemented. Offset: bytes 20-23.
	RequiredMinEchoRxInterval uint32
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for packet validation failures. These correspond to the
// validation steps in RFC 5880 Section 6.8.6, as refined by the bfd_check_packet
// rules this codec follows: reject auth outright, reject Poll and Final set
// together, and range-check Diag and State on receipt.
var (
	// ErrInvalidVersion indicates the Version field is not 1
	// (RFC 5880 Section 6.8.6 step 1).
	ErrInvalidVersion = errors.New("invalid BFD version")

	// ErrPacketTooShort indicates the received data is shorter than the
	// mandatory BFD Control packet header (24 bytes).
	ErrPacketTooShort = errors.New("packet too short")

	// ErrInvalidLength indicates the Length field is not HeaderSize.
	ErrInvalidLength = errors.New("invalid length field")

	// ErrLengthExceedsPayload indicates the Length field exceeds the
	// encapsulation payload (RFC 5880 Section 6.8.6 step 3).
	ErrLengthExceedsPayload = errors.New("length exceeds payload")

	// ErrZeroDetectMult indicates the Detect Mult field is zero
	// (RFC 5880 Section 6.8.6 step 4).
	ErrZeroDetectMult = errors.New("detect multiplier is zero")

	// ErrMultipointSet indicates the Multipoint bit is nonzero
	// (RFC 5880 Section 6.8.6 step 5).
	ErrMultipointSet = errors.New("multipoint bit is set")

	// ErrZeroMyDiscriminator indicates My Discriminator is zero
	// (RFC 5880 Section 6.8.6 step 6).
	ErrZeroMyDiscriminator = errors.New("my discriminator is zero")

	// ErrZeroYourDiscriminator indicates Your Discriminator is zero
	// in a state other than Down or AdminDown
	// (RFC 5880 Section 6.8.6 step 7b).
	ErrZeroYourDiscriminator = errors.New("your discriminator is zero in non-Down state")

	// ErrAuthPresent indicates the A bit is set. No authentication
	// mechanism is implemented, so any such packet is rejected.
	ErrAuthPresent = errors.New("auth bit set, authentication not supported")

	// ErrPollAndFinalSet indicates both the Poll and Final bits are set,
	// which is never valid (a system never polls while already answering
	// a poll of its own).
	ErrPollAndFinalSet = errors.New("poll and final both set")

	// ErrInvalidDiag indicates the Diag field is outside the range
	// defined by RFC 5880 Section 4.1 (0-8).
	ErrInvalidDiag = errors.New("diag code out of range")

	// ErrInvalidState indicates the State field is outside the range
	// defined by RFC 5880 Section 4.1 (0-3). Unreachable for a 2-bit
	// field decoded from the wire, kept for defense when constructing
	// packets programmatically.
	ErrInvalidState = errors.New("state out of range")

	// ErrBufTooSmall indicates the caller-provided buffer is too small
	// for MarshalControlPacket.
	ErrBufTooSmall = errors.New("buffer too small for BFD control packet")
)

// unmarshalErrPrefix is the common error prefix for packet decoding failures.
const unmarshalErrPrefix = "unmarshal control packet"

// -------------------------------------------------------------------------
// MarshalControlPacket — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// MarshalControlPacket serializes a ControlPacket into buf.
// The buffer MUST be at least HeaderSize bytes (24). Callers typically
// provide a MaxPacketSize buffer from PacketPool.
//
// Returns the number of bytes written, or an error if the buffer is
// too small.
//
// Wire format (RFC 5880 Section 4.1):
//
//	Byte 0:    Version(3 bits) | Diag(5 bits)
//	Byte 1:    State(2 bits) | P | F | C | A | D | M
//	Byte 2:    Detect Mult
//	Byte 3:    Length
//	Bytes 4-7: My Discriminator (big-endian uint32)
//	Bytes 8-11: Your Discriminator (big-endian uint32)
//	Bytes 12-15: Desired Min TX Interval (big-endian uint32, microseconds)
//	Bytes 16-19: Required Min RX Interval (big-endian uint32, microseconds)
//	Bytes 20-23: Required Min Echo RX Interval (big-endian uint32, microseconds)
func MarshalControlPacket(pkt *ControlPacket, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("marshal control packet: need %d bytes, got %d: %w",
			HeaderSize, len(buf), ErrBufTooSmall)
	}

	// Byte 0: Version(3 bits high) | Diag(5 bits low)
	// RFC 5880 Section 4.1: Version occupies bits 0-2, Diag occupies bits 3-7.
	buf[0] = (pkt.Version << 5) | (uint8(pkt.Diag) & 0x1F)

	// Byte 1: State(2 bits) | P | F | C | A | D | M
	// RFC 5880 Section 4.1: State occupies bits 0-1, flags occupy bits 2-7.
	var flags uint8
	flags = uint8(pkt.State) << 6
	if pkt.Poll {
		flags |= 1 << 5 // bit 2 (P)
	}
	if pkt.Final {
		flags |= 1 << 4 // bit 3 (F)
	}
	if pkt.ControlPlaneIndependent {
		flags |= 1 << 3 // bit 4 (C)
	}
	// bit 5 (A): always zero, no authentication support.
	if pkt.Demand {
		flags |= 1 << 1 // bit 6 (D)
	}
	// bit 7 (M): always zero, multipoint BFD is not implemented.
	buf[1] = flags

	// Byte 2: Detect Mult
	buf[2] = pkt.DetectMult

	// Byte 3: Length (always HeaderSize, no auth section)
	buf[3] = HeaderSize

	// Bytes 4-7: My Discriminator (big-endian)
	binary.BigEndian.PutUint32(buf[4:8], pkt.MyDiscriminator)

	// Bytes 8-11: Your Discriminator (big-endian)
	binary.BigEndian.PutUint32(buf[8:12], pkt.YourDiscriminator)

	// Bytes 12-15: Desired Min TX Interval (big-endian, microseconds)
	binary.BigEndian.PutUint32(buf[12:16], pkt.DesiredMinTxInterval)

	// Bytes 16-19: Required Min RX Interval (big-endian, microseconds)
	binary.BigEndian.PutUint32(buf[16:20], pkt.RequiredMinRxInterval)

	// Bytes 20-23: Required Min Echo RX Interval, always zero (no echo support).
	binary.BigEndian.PutUint32(buf[20:24], 0)

	return HeaderSize, nil
}

// -------------------------------------------------------------------------
// UnmarshalControlPacket — RFC 5880 Section 4.1, Section 6.8.6
// -------------------------------------------------------------------------

// UnmarshalControlPacket decodes a BFD Control packet from buf into pkt.
// The buffer must contain at least HeaderSize bytes.
//
// Validation performed, modeled on keepalived's bfd_check_packet:
//
//  1. Version == 1
//  2. Length <= len(buf)
//  3. Length == HeaderSize
//  4. DetectMult != 0
//  5. Multipoint == 0
//  6. MyDiscriminator != 0
//  7. YourDiscriminator != 0 unless State is Down or AdminDown
//  8. AuthPresent == 0 (no authentication mechanism is implemented)
//  9. Poll and Final not both set
//  10. Diag in [0, 8], State in [0, 3]
//
// FSM transitions and timer updates are performed by the session layer,
// not the codec.
func UnmarshalControlPacket(buf []byte, pkt *ControlPacket) error {
	// Pre-check: need at least 24 bytes to decode the mandatory header.
	if len(buf) < HeaderSize {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			unmarshalErrPrefix, len(buf), HeaderSize, ErrPacketTooShort)
	}

	// Decode fixed header fields (bytes 0-3).
	decodeHeader(buf, pkt)

	if err := validateHeader(buf, pkt); err != nil {
		return err
	}

	// Bytes 4-23: discriminators and interval fields.
	decodeBody(buf, pkt)

	if err := validateDiscriminators(pkt); err != nil {
		return err
	}

	return nil
}

// decodeHeader extracts the fixed 4-byte header fields from buf into pkt.
func decodeHeader(buf []byte, pkt *ControlPacket) {
	// Byte 0: Version(3 bits high) | Diag(5 bits low).
	pkt.Version = buf[0] >> 5
	pkt.Diag = Diag(buf[0] & 0x1F)

	// Byte 1: State(2 bits) | P | F | C | A | D | M.
	flags := buf[1]
	pkt.State = State(flags >> 6)
	pkt.Poll = flags&(1<<5) != 0
	pkt.Final = flags&(1<<4) != 0
	pkt.ControlPlaneIndependent = flags&(1<<3) != 0
	pkt.AuthPresent = flags&(1<<2) != 0
	pkt.Demand = flags&(1<<1) != 0
	pkt.Multipoint = flags&(1<<0) != 0

	// Bytes 2-3: Detect Mult and Length.
	pkt.DetectMult = buf[2]
	pkt.Length = buf[3]
}

// validateHeader checks the header-level rules of bfd_check_packet.
func validateHeader(buf []byte, pkt *ControlPacket) error {
	if pkt.Version != Version {
		return fmt.Errorf("%s: version %d: %w",
			unmarshalErrPrefix, pkt.Version, ErrInvalidVersion)
	}

	if int(pkt.Length) > len(buf) {
		return fmt.Errorf("%s: length field %d exceeds payload %d: %w",
			unmarshalErrPrefix, pkt.Length, len(buf), ErrLengthExceedsPayload)
	}

	if pkt.Length != HeaderSize {
		return fmt.Errorf("%s: length field %d, expected %d: %w",
			unmarshalErrPrefix, pkt.Length, HeaderSize, ErrInvalidLength)
	}

	if pkt.DetectMult == 0 {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrZeroDetectMult)
	}

	if pkt.Multipoint {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrMultipointSet)
	}

	if pkt.AuthPresent {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrAuthPresent)
	}

	if pkt.Poll && pkt.Final {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrPollAndFinalSet)
	}

	if uint8(pkt.Diag) > maxValidDiag {
		return fmt.Errorf("%s: diag %d: %w", unmarshalErrPrefix, pkt.Diag, ErrInvalidDiag)
	}

	// State is a 2-bit field; every decoded value is in [0, 3] by
	// construction. The check is kept for packets built without going
	// through the wire decoder.
	if pkt.State > StateUp {
		return fmt.Errorf("%s: state %d: %w", unmarshalErrPrefix, pkt.State, ErrInvalidState)
	}

	return nil
}

// decodeBody extracts the 20-byte body (discriminators + intervals) from buf.
func decodeBody(buf []byte, pkt *ControlPacket) {
	pkt.MyDiscriminator = binary.BigEndian.Uint32(buf[4:8])
	pkt.YourDiscriminator = binary.BigEndian.Uint32(buf[8:12])
	pkt.DesiredMinTxInterval = binary.BigEndian.Uint32(buf[12:16])
	pkt.RequiredMinRxInterval = binary.BigEndian.Uint32(buf[16:20])
	pkt.RequiredMinEchoRxInterval = binary.BigEndian.Uint32(buf[20:24])
}

// validateDiscriminators checks RFC 5880 Section 6.8.6 steps 6-7.
func validateDiscriminators(pkt *ControlPacket) error {
	if pkt.MyDiscriminator == 0 {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, ErrZeroMyDiscriminator)
	}

	if pkt.YourDiscriminator == 0 && pkt.State != StateDown && pkt.State != StateAdminDown {
		return fmt.Errorf("%s: state %s with zero your discriminator: %w",
			unmarshalErrPrefix, pkt.State, ErrZeroYourDiscriminator)
	}

	return nil
}

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for zero-allocation I/O
// -------------------------------------------------------------------------

// PacketPool provides reusable buffers for BFD packet I/O.
// Callers Get() a *[]byte before receiving, and Put() it after processing.
//
// The pool stores *[]byte (pointer to slice) to avoid interface allocation
// on Get()/Put().
//
// Usage:
//
//	bufp := PacketPool.Get().(*[]byte)
//	defer PacketPool.Put(bufp)
//	n, meta, err := conn.ReadPacket(*bufp)
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxPacketSize)
		return &buf
	},
}
