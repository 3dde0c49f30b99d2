package vehiclerelay

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestConstructorExportsPropagateErrors(t *testing.T) {
	if _, err := NewBridge(context.Background(), nil, nil, BridgeDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if _, err := NewConsumer(context.Background(), nil, nil, ConsumerDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if err := RegisterConsumer(nil, ConsumerRegistration{}); !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestInvalidConfigIsFatal(t *testing.T) {
	err := ValidateConfig(&Config{})
	var fatal FatalConfigError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalConfigError, got %v", err)
	}
}

func TestLoggerExports(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf)
	logger.Info("boot", LogFields{"component": "test"})
	if !strings.Contains(buf.String(), `"component":"test"`) {
		t.Fatalf("expected structured output, got %q", buf.String())
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"licensePlate": "ABC-1234"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"licensePlate":"XYZ-9999"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
	if payload["licensePlate"] != "XYZ-9999" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyEventID, "evt-1")
	if md[MetadataKeyEventID] != "evt-1" {
		t.Fatalf("expected metadata to contain the event id, got %#v", md)
	}
}

func TestEventIDIsDeterministic(t *testing.T) {
	if EventID("rabbitmq", "amqp-1") != EventID("rabbitmq", "amqp-1") {
		t.Fatal("expected the same delivery key to map to the same id")
	}
	if EventID("rabbitmq", "amqp-1") == EventID("kafka", "amqp-1") {
		t.Fatal("expected the source system to namespace ids")
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryMalformed != "malformed" {
		t.Fatalf("expected ErrorCategoryMalformed to be 'malformed', got %q", ErrorCategoryMalformed)
	}
}
