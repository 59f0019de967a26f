package handler

import (
	"strings"
	"testing"
)

func TestDecode_SizeGuardReturnsErrorEnvelope(t *testing.T) {
	h := New(false)
	raw := []byte(strings.Repeat("a", maxPayloadBytes+1))

	payload, isSparkplug := h.decode("a/b", raw)

	if payload["error"] != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("expected PAYLOAD_TOO_LARGE envelope, got %+v", payload)
	}
	if payload["original_size_bytes"] != len(raw) {
		t.Fatalf("expected original_size_bytes %d, got %v", len(raw), payload["original_size_bytes"])
	}
	if payload["message"] != "Payload exceeded safe limit (2MB) and was discarded." {
		t.Fatalf("expected literal spec message, got %v", payload["message"])
	}
	if isSparkplug {
		t.Fatal("oversize payload must not be marked as sparkplug")
	}
}

func TestDecode_ValidJSONObject(t *testing.T) {
	h := New(false)
	payload, _ := h.decode("a/b", []byte(`{"x":1,"y":"z"}`))

	if payload["x"] != 1.0 {
		t.Fatalf("expected x=1.0, got %v", payload["x"])
	}
	if payload["y"] != "z" {
		t.Fatalf("expected y=z, got %v", payload["y"])
	}
}

func TestDecode_InvalidJSONFallsBackToRawPayload(t *testing.T) {
	h := New(false)
	payload, _ := h.decode("a/b", []byte(`not json`))

	if payload["raw_payload"] != "not json" {
		t.Fatalf("expected raw_payload fallback, got %+v", payload)
	}
}

func TestDecode_NonObjectJSONFallsBackToRawPayload(t *testing.T) {
	h := New(false)
	payload, _ := h.decode("a/b", []byte(`[1,2,3]`))

	if payload["raw_payload"] != "[1,2,3]" {
		t.Fatalf("expected raw_payload fallback for a JSON array, got %+v", payload)
	}
}

func TestDecode_InvalidUTF8ProducesHexAndError(t *testing.T) {
	h := New(false)
	raw := []byte{0xff, 0xfe, 0x00, 0x01}

	payload, _ := h.decode("a/b", raw)

	if payload["decode_error"] == nil {
		t.Fatal("expected a decode_error for invalid UTF-8")
	}
	if payload["raw_payload_hex"] != "fffe0001" {
		t.Fatalf("expected raw_payload_hex fffe0001, got %v", payload["raw_payload_hex"])
	}
}

func TestDecode_LargeIntegerCanonicalizesToDecimalString(t *testing.T) {
	h := New(false)
	payload, _ := h.decode("a/b", []byte(`{"v":9223372036854775807}`))

	v, ok := payload["v"].(string)
	if !ok {
		t.Fatalf("expected large integer to canonicalize to a string, got %T %v", payload["v"], payload["v"])
	}
	if v != "9223372036854775807" {
		t.Fatalf("expected exact decimal string, got %q", v)
	}
}

func TestDecode_SmallIntegerStaysNumeric(t *testing.T) {
	h := New(false)
	payload, _ := h.decode("a/b", []byte(`{"v":42}`))

	if _, ok := payload["v"].(string); ok {
		t.Fatal("a small integer must not be canonicalized to a string")
	}
	if payload["v"] != 42.0 {
		t.Fatalf("expected v=42.0, got %v", payload["v"])
	}
}

func TestDecode_SparkplugTopicWithoutDecoderProducesError(t *testing.T) {
	h := New(true)
	payload, isSparkplug := h.decode("spBv1.0/group/NDATA/node", []byte{0x01, 0x02})

	if isSparkplug {
		t.Fatal("an unconfigured decoder must not report success")
	}
	if payload["decode_error"] == nil {
		t.Fatal("expected a decode_error when no sparkplug decoder is configured")
	}
}

type fakeSparkplugDecoder struct {
	result map[string]interface{}
	err    error
}

func (f *fakeSparkplugDecoder) Decode([]byte) (map[string]interface{}, error) {
	return f.result, f.err
}

func TestDecode_SparkplugTopicUsesConfiguredDecoder(t *testing.T) {
	h := New(true)
	h.SetSparkplugDecoder(&fakeSparkplugDecoder{result: map[string]interface{}{"metric": "value"}})

	payload, isSparkplug := h.decode("spBv1.0/group/NDATA/node", []byte{0x01})

	if !isSparkplug {
		t.Fatal("expected sparkplug decode to be reported")
	}
	if payload["metric"] != "value" {
		t.Fatalf("expected decoded metric, got %+v", payload)
	}
}
