package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

func TestSessionKeyComparable(t *testing.T) {
	k1 := SessionKey{
		SrcIP:   netip.MustParseAddr("10.0.0.7"),
		SrcPort: 50000,
		Target:  Target{Identity: "laptop", Service: "wiki"},
	}
	k2 := k1

	m := map[SessionKey]int{k1: 1}
	if m[k2] != 1 {
		t.Errorf("expected equal keys to hit the same map entry")
	}

	k2.SrcPort++
	if _, ok := m[k2]; ok {
		t.Errorf("expected different source port to miss")
	}
}

func TestSessionKeyString(t *testing.T) {
	k := SessionKey{
		SrcIP:   netip.MustParseAddr("10.0.0.7"),
		SrcPort: 50000,
		Target:  Target{Identity: "laptop", Service: "wiki"},
	}
	want := "TCP:10.0.0.7:50000->laptop:wiki"
	if got := k.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	sentinels := []error{
		ErrPacketTooShort,
		ErrLengthMismatch,
		ErrUnsupportedVersion,
		ErrUnsupportedProto,
		ErrFragmented,
		ErrMalformedDNS,
		ErrAddressExhausted,
		ErrNoRoute,
		ErrTimeout,
		ErrSessionClosed,
		ErrConfigInvalid,
		ErrDaemonNotRunning,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", sentinel)
			if !errors.Is(wrapped, sentinel) {
				t.Errorf("errors.Is failed for %v", sentinel)
			}
		})
	}
}
