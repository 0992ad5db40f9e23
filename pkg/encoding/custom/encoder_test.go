package custom

import "testing"

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteString("orders")
	w.WriteUint64(42)
	w.WriteInt32(-7)
	w.WriteBool(true)
	w.WriteBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())

	s, err := r.ReadString()
	if err != nil || s != "orders" {
		t.Fatalf("ReadString = %q, %v, want %q, nil", s, err, "orders")
	}
	u, err := r.ReadUint64()
	if err != nil || u != 42 {
		t.Fatalf("ReadUint64 = %d, %v, want 42, nil", u, err)
	}
	i, err := r.ReadInt32()
	if err != nil || i != -7 {
		t.Fatalf("ReadInt32 = %d, %v, want -7, nil", i, err)
	}
	b, err := r.ReadBool()
	if err != nil || !b {
		t.Fatalf("ReadBool = %v, %v, want true, nil", b, err)
	}
	raw, err := r.ReadBytes()
	if err != nil || string(raw) != "\x01\x02\x03" {
		t.Fatalf("ReadBytes = %v, %v, want [1 2 3], nil", raw, err)
	}
	if len(r.Remaining()) != 0 {
		t.Fatalf("Remaining() = %d bytes, want 0", len(r.Remaining()))
	}
}

func TestReadPastEndOfBufferReturnsDecodeError(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadUint64(); err == nil {
		t.Fatal("expected an error reading 8 bytes out of a 2-byte buffer")
	}
}

func TestReadBytesWithOverrunningLengthReturnsDecodeError(t *testing.T) {
	w := NewWriter()
	w.WriteUint64(100)
	r := NewReader(w.Bytes())
	if _, err := r.ReadBytes(); err == nil {
		t.Fatal("expected an error when the declared length overruns the buffer")
	}
}

func TestWriteCountReadCountRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteCount(3)
	r := NewReader(w.Bytes())
	n, err := r.ReadCount()
	if err != nil || n != 3 {
		t.Fatalf("ReadCount = %d, %v, want 3, nil", n, err)
	}
}
