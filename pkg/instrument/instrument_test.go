// pkg/instrument/instrument_test.go
package instrument

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"instrument-service/internal/model"
	"instrument-service/internal/transport"
)

// scriptedSession returns canned responses and records writes.
type scriptedSession struct {
	responses map[string]string
	writes    []string
	status    byte
	open      bool
}

func (s *scriptedSession) Open(ctx context.Context) error { s.open = true; return nil }
func (s *scriptedSession) Close() error                   { s.open = false; return nil }
func (s *scriptedSession) IsOpen() bool                   { return s.open }
func (s *scriptedSession) Kind() model.TransportKind      { return model.TransportEthernet }

func (s *scriptedSession) Parameters() model.ConnectionParameters {
	return model.ConnectionParameters{ID: "scripted", Kind: model.TransportEthernet}
}

func (s *scriptedSession) Write(ctx context.Context, command string) error {
	s.writes = append(s.writes, command)
	return nil
}

func (s *scriptedSession) Read(ctx context.Context) (string, error) {
	return "", transport.ErrTimeout
}

func (s *scriptedSession) Query(ctx context.Context, command string) (string, error) {
	s.writes = append(s.writes, command)
	response, ok := s.responses[command]
	if !ok {
		return "", transport.ErrTimeout
	}
	return response, nil
}

type polledSession struct {
	scriptedSession
}

func (s *polledSession) StatusByte(ctx context.Context) (byte, error) {
	return s.status, nil
}

func TestIdentTrimsResponse(t *testing.T) {
	session := &scriptedSession{
		responses: map[string]string{"*IDN?": "YOKOGAWA,AQ6370D,90Y403996,02.08\r\n"},
	}
	inst := New(session)

	ident, err := inst.Ident(context.Background())
	if err != nil {
		t.Fatalf("Ident() error = %v", err)
	}
	if ident != "YOKOGAWA,AQ6370D,90Y403996,02.08" {
		t.Errorf("Ident() = %q", ident)
	}
}

func TestStatusBitsLSBFirst(t *testing.T) {
	session := &polledSession{}
	session.status = 0b01000001
	inst := New(session)

	bits, err := inst.StatusBits(context.Background())
	if err != nil {
		t.Fatalf("StatusBits() error = %v", err)
	}
	want := [8]bool{true, false, false, false, false, false, true, false}
	if bits != want {
		t.Errorf("StatusBits() = %v, want %v", bits, want)
	}
}

func TestStatusBitsUnsupportedTransport(t *testing.T) {
	inst := New(&scriptedSession{})
	if _, err := inst.StatusBits(context.Background()); !errors.Is(err, transport.ErrInvalidOperation) {
		t.Errorf("StatusBits() error = %v, want ErrInvalidOperation", err)
	}
}

func TestDecodeBinaryBlock(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []byte
		wantErr bool
	}{
		{
			name:  "simple block",
			input: []byte("#15hello"),
			want:  []byte("hello"),
		},
		{
			name:  "multi digit length",
			input: append([]byte("#210"), bytes.Repeat([]byte{0xAB}, 10)...),
			want:  bytes.Repeat([]byte{0xAB}, 10),
		},
		{
			name:  "trailing bytes ignored",
			input: []byte("#13abc\r\n"),
			want:  []byte("abc"),
		},
		{
			name:    "missing hash",
			input:   []byte("15hello"),
			wantErr: true,
		},
		{
			name:    "truncated payload",
			input:   []byte("#15hel"),
			wantErr: true,
		},
		{
			name:    "non numeric length",
			input:   []byte("#1xabc"),
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBinaryBlock(tt.input)
			if tt.wantErr {
				if !errors.Is(err, transport.ErrMalformed) {
					t.Fatalf("DecodeBinaryBlock() error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeBinaryBlock() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("DecodeBinaryBlock() = %q, want %q", got, tt.want)
			}
		})
	}
}
