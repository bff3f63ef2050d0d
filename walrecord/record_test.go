package walrecord

import (
	"encoding/binary"
	"reflect"
	"testing"
)

func TestEncodeDecodeRIDRoundTrip(t *testing.T) {
	cases := []RID{
		{},
		{Node: 1, Device: 2, Block: 3, Slot: 4},
		{Node: 0xFFFFFFFF, Device: 0xFFFFFFFF, Block: 0xFFFFFFFFFFFFFFFF, Slot: 0xFFFFFFFF},
	}
	for _, rid := range cases {
		b := EncodeRID(rid)
		if len(b) != 20 {
			t.Fatalf("EncodeRID(%+v) produced %d bytes, want 20", rid, len(b))
		}
		got, err := DecodeRID(b)
		if err != nil {
			t.Fatalf("DecodeRID: %v", err)
		}
		if got != rid {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, rid)
		}
	}
}

func TestDecodeRIDRejectsWrongLength(t *testing.T) {
	if _, err := DecodeRID(make([]byte, 19)); err == nil {
		t.Fatalf("expected error decoding a 19-byte buffer")
	}
	if _, err := DecodeRID(make([]byte, 21)); err == nil {
		t.Fatalf("expected error decoding a 21-byte buffer")
	}
}

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	records := []*Record{
		Start(1),
		Commit(2),
		Rollback(3),
		NQCheck([]uint64{10, 20, 30}),
		Insert(4, Block{Path: "primary.tbl.dev0", Number: 7}, 128, []byte{}, []byte("row-bytes")),
		Delete(5, Block{Path: "primary.tbl.dev1", Number: 9}, 64, []byte("old-row"), []byte{}),
		Ready(6, "node2:5433"),
		NotReady(7),
		Prepare(8, []string{"node1:5433", "node2:5433"}),
		XACommit(9, []string{"node1:5433"}),
		XAAbort(10, nil),
	}
	for _, rec := range records {
		rec.LSN = 42
		rec.Timestamp = 1234567890
		framed, err := Encode(rec)
		if err != nil {
			t.Fatalf("Encode(%s): %v", rec.Type, err)
		}
		if len(framed) < 8 {
			t.Fatalf("Encode(%s) produced too short a frame", rec.Type)
		}
		leading := binary.BigEndian.Uint32(framed[0:4])
		trailing := binary.BigEndian.Uint32(framed[len(framed)-4:])
		if leading != trailing {
			t.Fatalf("Encode(%s): length prefix %d != suffix %d", rec.Type, leading, trailing)
		}
		payload := framed[4 : len(framed)-4]

		got, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode(%s): %v", rec.Type, err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Fatalf("round-trip mismatch for %s:\n got  %+v\n want %+v", rec.Type, got, rec)
		}
	}
}

func TestIsData(t *testing.T) {
	if !Insert(1, Block{}, 0, nil, nil).IsData() {
		t.Fatalf("Insert record must report IsData() == true")
	}
	if !Delete(1, Block{}, 0, nil, nil).IsData() {
		t.Fatalf("Delete record must report IsData() == true")
	}
	if Commit(1).IsData() {
		t.Fatalf("Commit record must report IsData() == false")
	}
}
