package migration_test

import (
	"errors"
	"io"
	"net"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/govmkit/archvm/cpuid"
	"github.com/govmkit/archvm/migration"
)

// pipe returns a connected (Sender, Receiver) pair backed by an in-memory pipe.
func pipe() (*migration.Sender, *migration.Receiver) {
	pr, pw := io.Pipe()

	return migration.NewSender(pw), migration.NewReceiver(pr)
}

// mustNext calls recv.Next and fails the test on error.
func mustNext(t *testing.T, recv *migration.Receiver) (migration.MsgType, []byte) {
	t.Helper()

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Receiver.Next: %v", err)
	}

	return msgType, payload
}

func sourceTable() cpuid.Table {
	return cpuid.Table{
		{Function: 1, ECX: 1<<24 | 1<<31, EDX: 1 << 12},
		{Function: 7, Index: 0, Flags: cpuid.FlagSignificantIndex, EBX: 1 << 2},
		{Function: 0x4000_0000, EAX: 0x4000_0001,
			EBX: 0x4b4d_564b, ECX: 0x564b_4d56, EDX: 0x4d},
		{Function: 0x4000_0001, EAX: 1 << 0},
	}
}

func TestSendReceiveAdmit(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendAdmit(); err != nil {
			t.Errorf("SendAdmit: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgAdmit {
		t.Fatalf("got type %d, want MsgAdmit (%d)", msgType, migration.MsgAdmit)
	}

	if len(payload) != 0 {
		t.Fatalf("MsgAdmit should carry no payload, got %d bytes", len(payload))
	}
}

func TestSendReceiveReject(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()

	go func() {
		if err := sender.SendReject("missing avx512"); err != nil {
			t.Errorf("SendReject: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgReject {
		t.Fatalf("got type %d, want MsgReject (%d)", msgType, migration.MsgReject)
	}

	if string(payload) != "missing avx512" {
		t.Fatalf("got reason %q", payload)
	}
}

func TestProposalRoundTrip(t *testing.T) {
	t.Parallel()

	sender, recv := pipe()
	want := sourceTable()

	go func() {
		if err := sender.SendProposal(want); err != nil {
			t.Errorf("SendProposal: %v", err)
		}
	}()

	msgType, payload := mustNext(t, recv)

	if msgType != migration.MsgCPUIDProposal {
		t.Fatalf("got type %d, want MsgCPUIDProposal", msgType)
	}

	have, err := migration.DecodeProposal(payload)
	if err != nil {
		t.Fatalf("DecodeProposal: %v", err)
	}

	if !reflect.DeepEqual(have, want) {
		t.Fatalf("have %+v, want %+v", have, want)
	}
}

func TestDecodeProposalInvalidGob(t *testing.T) {
	t.Parallel()

	if _, err := migration.DecodeProposal([]byte{0xff, 0x00, 0x01}); err == nil {
		t.Fatal("garbage decoded without error")
	}
}

func TestReceiverTruncatedHeader(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	recv := migration.NewReceiver(pr)

	go func() {
		pw.Write([]byte{0, 0, 0, 1})
		pw.Close()
	}()

	if _, _, err := recv.Next(); err == nil {
		t.Fatal("truncated header read without error")
	}
}

func TestAdmissionAccepted(t *testing.T) {
	t.Parallel()

	src, dst := net.Pipe()

	// The destination host offers a superset.
	local := sourceTable()
	local[0].ECX |= 1 << 5

	result := make(chan error, 1)

	go func() {
		result <- migration.Propose(src, sourceTable())
	}()

	admitted, err := migration.Admit(dst, local)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if err := <-result; err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if !reflect.DeepEqual(admitted, sourceTable()) {
		t.Fatal("admitted table differs from the proposal")
	}
}

func TestAdmissionRejected(t *testing.T) {
	t.Parallel()

	src, dst := net.Pipe()

	// The destination lacks a feature bit the source exposes.
	local := sourceTable()
	local[0].EDX &^= 1 << 12

	result := make(chan error, 1)

	go func() {
		result <- migration.Propose(src, sourceTable())
	}()

	if _, err := migration.Admit(dst, local); err == nil {
		t.Fatal("incompatible destination admitted the migration")
	}

	err := <-result
	if !errors.Is(err, migration.ErrRejected) {
		t.Fatalf("have %v, want ErrRejected", err)
	}
}

func TestSaveLoadTable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cpuid.state")
	want := sourceTable()

	if err := migration.SaveTable(path, want); err != nil {
		t.Fatalf("SaveTable: %v", err)
	}

	have, err := migration.LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}

	if !reflect.DeepEqual(have, want) {
		t.Fatalf("have %+v, want %+v", have, want)
	}
}
