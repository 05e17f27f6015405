package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chainpay/broadcast"
	"chainpay/session"
)

const wsWriteTimeout = 10 * time.Second

// wsPusher adapts a websocket connection to the session.Pusher interface.
type wsPusher struct {
	conn *websocket.Conn
}

func (p wsPusher) Push(ctx context.Context, payload any) error {
	return wsjson.Write(ctx, p.conn, payload)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	sess := s.registry.Register(wsPusher{conn: conn})
	s.metrics.SetSessions(s.registry.Count())
	s.log.Info("observer connected", "session", sess.ID(), "live", s.registry.Count())
	defer func() {
		s.registry.Unregister(sess)
		s.metrics.SetSessions(s.registry.Count())
		s.log.Info("observer disconnected", "session", sess.ID(), "live", s.registry.Count())
	}()

	welcome := connectedPayload{
		Type:    "connected",
		Message: "Connected to ChainPay settlement stream",
		Config: connectedConfig{
			RewardPerHeartbeat: s.cfg.RewardWei().String(),
			ContractAddress:    s.cfg.ContractAddress,
		},
	}
	if err := s.push(r.Context(), sess, welcome); err != nil {
		return
	}

	s.readLoop(r.Context(), conn, sess)
}

// readLoop owns the inbound side of one session until the connection drops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		var envelope inboundEnvelope
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("websocket read failed", "session", sess.ID(), "err", err)
			}
			return
		}
		msg, err := envelope.variant()
		if err != nil {
			_ = s.push(ctx, sess, errorPayload{Type: "error", Message: err.Error()})
			continue
		}
		switch m := msg.(type) {
		case registerMessage:
			s.handleRegister(ctx, sess, m)
		case heartbeatMessage:
			s.handleSessionHeartbeat(ctx, sess)
		case pingMessage:
			_ = s.push(ctx, sess, pongPayload{Type: "pong"})
		}
	}
}

func (s *Server) handleRegister(ctx context.Context, sess *session.Session, msg registerMessage) {
	if !common.IsHexAddress(msg.Wallet) {
		_ = s.push(ctx, sess, errorPayload{Type: "error", Message: "invalid wallet address"})
		return
	}
	sess.Bind(msg.Wallet)
	s.log.Info("wallet registered", "session", sess.ID())
}

func (s *Server) handleSessionHeartbeat(ctx context.Context, sess *session.Session) {
	wallet, ok := sess.Wallet()
	if !ok {
		_ = s.push(ctx, sess, errorPayload{Type: "error", Message: "register a wallet before sending heartbeats"})
		return
	}
	outcome := s.coord.Settle(ctx, sess, wallet, s.cfg.RewardWei())
	event := broadcast.RewardEvent{
		Success:    outcome.Success,
		RewardWei:  outcome.Amount.String(),
		Heartbeats: outcome.Heartbeats,
		Message:    outcome.Message,
	}
	if outcome.Success {
		event.TxHash = outcome.TxHash.Hex()
		event.TotalEarned = outcome.TotalEarned.String()
		if s.tracker != nil {
			s.tracker.Watch(outcome.TxHash, sess)
		}
	} else if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	s.hub.NotifyReward(ctx, sess, event)
}

func (s *Server) push(ctx context.Context, sess *session.Session, payload any) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return sess.Push(writeCtx, payload)
}
