package server

import "fmt"

// inboundEnvelope is the wire shape of observer messages: a type tag plus the
// union of variant fields.
type inboundEnvelope struct {
	Type          string `json:"type"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// inboundMessage is the closed set of recognised observer messages. Dispatch
// is by type switch; unknown kinds never reach a handler.
type inboundMessage interface {
	isInbound()
}

type registerMessage struct {
	Wallet string
}

type heartbeatMessage struct{}

type pingMessage struct{}

func (registerMessage) isInbound()  {}
func (heartbeatMessage) isInbound() {}
func (pingMessage) isInbound()      {}

// variant narrows the envelope to its message kind.
func (e inboundEnvelope) variant() (inboundMessage, error) {
	switch e.Type {
	case "register":
		if e.WalletAddress == "" {
			return nil, fmt.Errorf("register requires wallet_address")
		}
		return registerMessage{Wallet: e.WalletAddress}, nil
	case "heartbeat":
		return heartbeatMessage{}, nil
	case "ping":
		return pingMessage{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}
}

// connectedPayload is pushed once on connection open.
type connectedPayload struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Config  connectedConfig `json:"config"`
}

type connectedConfig struct {
	RewardPerHeartbeat string `json:"reward_per_heartbeat"`
	ContractAddress    string `json:"contract_address,omitempty"`
}

type pongPayload struct {
	Type string `json:"type"`
}

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
