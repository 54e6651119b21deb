package protocol

import (
	"errors"
	"testing"
)

func TestParseRequestValid(t *testing.T) {
	req, err := ParseRequest([]byte(`{"cmd":"start","file":"job.nc"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Cmd != CmdStart || req.File != "job.nc" {
		t.Fatalf("got %+v", req)
	}
}

func TestParseRequestNullFile(t *testing.T) {
	req, err := ParseRequest([]byte(`{"cmd":"status","file":null}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.File != "" {
		t.Fatalf("file = %q, want empty", req.File)
	}
}

func TestParseRequestMissingCmd(t *testing.T) {
	_, err := ParseRequest([]byte(`{"file":"job.nc"}`))
	if !errors.Is(err, ErrMissingCmd) {
		t.Fatalf("err = %v, want ErrMissingCmd", err)
	}
}

func TestParseRequestUnknownCmd(t *testing.T) {
	_, err := ParseRequest([]byte(`{"cmd":"pause"}`))
	if !errors.Is(err, ErrUnknownCmd) {
		t.Fatalf("err = %v, want ErrUnknownCmd", err)
	}
}

func TestParseRequestBadJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`not json`))
	if !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("err = %v, want ErrInvalidJSON", err)
	}
}

func TestResponseEncoding(t *testing.T) {
	got := string(OK("Idle").Encode())
	want := `{"error":0,"message":"Idle"}` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got = string(Fail("Already stopped").Encode())
	want = `{"error":1,"message":"Already stopped"}` + "\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
