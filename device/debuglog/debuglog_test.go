package debuglog

import (
	"context"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	s := New(Config{Broker: "tcp://localhost:1883"})
	if s.cfg.Topic != "thci/debug" {
		t.Errorf("cfg.Topic = %q, want %q", s.cfg.Topic, "thci/debug")
	}
	if s.log == nil {
		t.Error("expected logger to be set")
	}
}

func TestStartMissingBroker(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want non-nil for empty broker")
	}
}

func TestPublishNotConnectedIsNoop(t *testing.T) {
	s := New(Config{Broker: "tcp://localhost:1883"})
	s.Publish([]byte("hello"))
	if s.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
}
