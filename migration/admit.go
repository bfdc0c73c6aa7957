package migration

import (
	"errors"
	"fmt"
	"io"

	"github.com/govmkit/archvm/cpuid"
)

var (
	// ErrRejected means the destination refused the proposed CPU identity.
	ErrRejected = errors.New("migration rejected by destination")

	// ErrUnexpectedMessage means a peer broke the handshake sequence.
	ErrUnexpectedMessage = errors.New("unexpected migration message")
)

// Propose runs the source side of the admission handshake: it sends the
// table the guest has been shown and waits for the destination verdict.
func Propose(conn io.ReadWriter, table cpuid.Table) error {
	sender := NewSender(conn)
	recv := NewReceiver(conn)

	if err := sender.SendProposal(table); err != nil {
		return err
	}

	msgType, payload, err := recv.Next()
	if err != nil {
		return err
	}

	switch msgType {
	case MsgAdmit:
		return sender.SendDone()
	case MsgReject:
		return fmt.Errorf("%w: %s", ErrRejected, payload)
	default:
		return fmt.Errorf("%w: type %d", ErrUnexpectedMessage, msgType)
	}
}

// Admit runs the destination side: it reads the source proposal, checks
// it against the table this host can virtualize and answers. On success
// it returns the admitted source table, which the destination VM must
// then expose unchanged.
func Admit(conn io.ReadWriter, local cpuid.Table) (cpuid.Table, error) {
	sender := NewSender(conn)
	recv := NewReceiver(conn)

	msgType, payload, err := recv.Next()
	if err != nil {
		return nil, err
	}

	if msgType != MsgCPUIDProposal {
		return nil, fmt.Errorf("%w: type %d", ErrUnexpectedMessage, msgType)
	}

	proposed, err := DecodeProposal(payload)
	if err != nil {
		return nil, err
	}

	if err := cpuid.Check(proposed, local); err != nil {
		if sendErr := sender.SendReject(err.Error()); sendErr != nil {
			return nil, sendErr
		}

		return nil, err
	}

	if err := sender.SendAdmit(); err != nil {
		return nil, err
	}

	// The source closes the handshake; tolerate peers that just hang up.
	if msgType, _, err := recv.Next(); err == nil && msgType != MsgDone {
		return nil, fmt.Errorf("%w: type %d", ErrUnexpectedMessage, msgType)
	}

	return proposed, nil
}
