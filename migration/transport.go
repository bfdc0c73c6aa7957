// Package migration implements the admission handshake run before a VM
// is moved between hosts. The source proposes the CPUID table its guest
// has seen; the destination checks it against what it can offer and
// admits or rejects the migration.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package migration

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/govmkit/archvm/cpuid"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgCPUIDProposal MsgType = 1 // gob-encoded cpuid.Table of the source
	MsgAdmit         MsgType = 2 // destination accepts the proposal
	MsgReject        MsgType = 3 // destination refuses; payload is the reason
	MsgDone          MsgType = 4 // source signals end of the handshake
)

// Sender writes framed messages to an underlying writer (typically a TCP conn).
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message.
func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// SendProposal encodes the source table with gob and sends it as a
// MsgCPUIDProposal.
func (s *Sender) SendProposal(table cpuid.Table) error {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)

	go func() {
		enc := gob.NewEncoder(pw)
		errCh <- enc.Encode(table)

		pw.Close()
	}()

	payload, err := io.ReadAll(pr)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}

	if err := <-errCh; err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}

	return s.send(MsgCPUIDProposal, payload)
}

// SendAdmit accepts the current proposal.
func (s *Sender) SendAdmit() error { return s.send(MsgAdmit, nil) }

// SendReject refuses the current proposal with a reason.
func (s *Sender) SendReject(reason string) error {
	return s.send(MsgReject, []byte(reason))
}

// SendDone signals the end of the handshake.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeProposal decodes a gob-encoded cpuid.Table from payload bytes.
func DecodeProposal(payload []byte) (cpuid.Table, error) {
	var table cpuid.Table

	dec := gob.NewDecoder((*bReader)(&payload))
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}

	return table, nil
}

// bReader wraps a byte slice as an io.Reader.
type bReader []byte

func (b *bReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *b)
	*b = (*b)[n:]

	return n, nil
}
