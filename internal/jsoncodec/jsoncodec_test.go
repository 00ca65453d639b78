package jsoncodec

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	var p payload
	data := []byte(`{"name":"a","count":2,"addedInV2":"ignored"}`)
	if err := Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Name != "a" || p.Count != 2 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(payload{Name: "b", Count: 7})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var p payload
	if err := Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p != (payload{Name: "b", Count: 7}) {
		t.Fatalf("round trip = %+v", p)
	}
}

func TestWriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteResponse(rec, http.StatusAccepted, payload{Name: "c", Count: 1}); err != nil {
		t.Fatalf("write response: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"name":"c","count":1}` {
		t.Fatalf("body = %q", body)
	}
}
