package server

import "testing"

func TestEnvelopeVariant(t *testing.T) {
	cases := []struct {
		name     string
		envelope inboundEnvelope
		want     inboundMessage
		wantErr  bool
	}{
		{"register", inboundEnvelope{Type: "register", WalletAddress: "0xaa"}, registerMessage{Wallet: "0xaa"}, false},
		{"register without wallet", inboundEnvelope{Type: "register"}, nil, true},
		{"heartbeat", inboundEnvelope{Type: "heartbeat"}, heartbeatMessage{}, false},
		{"ping", inboundEnvelope{Type: "ping"}, pingMessage{}, false},
		{"unknown", inboundEnvelope{Type: "subscribe"}, nil, true},
		{"empty", inboundEnvelope{}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.envelope.variant()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("variant: %v", err)
			}
			if got != tc.want {
				t.Fatalf("variant = %#v, want %#v", got, tc.want)
			}
		})
	}
}
