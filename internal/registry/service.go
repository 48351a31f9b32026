package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/bus"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/pkg/protocol"
)

// Service bridges the registry to the message plane. It is the only
// production writer: nodes announce, renew, and retire themselves through
// evt.node.* events and the service applies them to the registry. Direct
// Registry calls remain available for tests and embedded setups.
type Service struct {
	registry *Registry
	bus      bus.Bus
	logger   *logger.Logger
	source   string

	subs []bus.Subscription
}

// NewService builds the bus bridge for a registry.
func NewService(r *Registry, b bus.Bus, source string, log *logger.Logger) *Service {
	return &Service{
		registry: r,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "registry_service")),
		source:   source,
	}
}

// Start subscribes to node lifecycle events and begins the TTL sweeper. When
// a node is evicted the service publishes evt.node.offline so the rest of the
// team learns about the loss.
func (s *Service) Start(ctx context.Context) error {
	s.registry.OnNodeRemoved(func(entry *Entry, reason string) {
		if reason != "ttl_expired" {
			// Explicit deregistration is already visible on the bus.
			return
		}
		err := s.bus.SendEvent(context.Background(), bus.EventSpec{
			Topic:  "node",
			Suffix: "offline",
			Source: s.source,
			Data: map[string]any{
				"uid":    entry.Passport.Metadata.UID,
				"name":   entry.Passport.Metadata.Name,
				"reason": reason,
			},
		})
		if err != nil {
			s.logger.Error("failed to publish node offline event", zap.Error(err))
		}
	})

	sub, err := s.bus.Subscribe("evt.node.*", s.handleNodeEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to node events: %w", err)
	}
	s.subs = append(s.subs, sub)

	return s.registry.Start(ctx)
}

// Stop tears down subscriptions and the sweeper.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	_ = s.registry.Stop()
}

func (s *Service) handleNodeEvent(ctx context.Context, env *protocol.Envelope) error {
	event := env.Event()
	if event == nil {
		return protocol.NewError(protocol.CodeInvalidArgument, "node event without event payload")
	}

	suffix := event.EventType
	if i := strings.IndexByte(suffix, '.'); i >= 0 {
		suffix = suffix[i+1:]
	}

	switch suffix {
	case "registered":
		return s.handleRegistered(event)
	case "heartbeat":
		return s.handleHeartbeat(event)
	case "deregistered":
		return s.handleDeregistered(event)
	case "offline", "rejected":
		// Published by this service; nothing to apply.
		return nil
	default:
		s.logger.Debug("ignoring node event", zap.String("event_type", event.EventType))
		return nil
	}
}

func (s *Service) handleRegistered(event *protocol.EventPayload) error {
	passportData, ok := event.EventData["passport"].(map[string]any)
	if !ok {
		return protocol.NewError(protocol.CodeInvalidArgument, "registered event missing passport")
	}
	passport, err := PassportFromMap(passportData)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidArgument, "invalid passport: %v", err)
	}

	if err := s.registry.Register(passport); err != nil {
		if errors.Is(err, ErrDuplicateNode) {
			if _, known := s.registry.Get(passport.Metadata.UID); known {
				// Re-announce after a broker reconnect; treat it as a renewal.
				s.registry.Heartbeat(passport.Metadata.UID)
				return nil
			}
			// The name belongs to a live node under another uid; reject
			// loudly so the losing node can observe it.
			s.logger.Warn("rejected node registration",
				zap.String("uid", passport.Metadata.UID),
				zap.String("name", passport.Metadata.Name),
				zap.Error(err))
			perr := s.bus.SendEvent(context.Background(), bus.EventSpec{
				Topic:    "node",
				Suffix:   "rejected",
				Source:   s.source,
				Severity: protocol.SeverityError,
				Data: map[string]any{
					"uid":    passport.Metadata.UID,
					"name":   passport.Metadata.Name,
					"reason": "name_conflict",
				},
			})
			if perr != nil {
				s.logger.Error("failed to publish node rejected event", zap.Error(perr))
			}
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) handleHeartbeat(event *protocol.EventPayload) error {
	uid, ok := event.EventData["uid"].(string)
	if !ok || uid == "" {
		return protocol.NewError(protocol.CodeInvalidArgument, "heartbeat event missing uid")
	}
	s.registry.Heartbeat(uid)
	return nil
}

func (s *Service) handleDeregistered(event *protocol.EventPayload) error {
	uid, ok := event.EventData["uid"].(string)
	if !ok || uid == "" {
		return protocol.NewError(protocol.CodeInvalidArgument, "deregistered event missing uid")
	}
	reason, _ := event.EventData["reason"].(string)
	if reason == "" {
		reason = "deregistered"
	}
	s.registry.Deregister(uid, reason)
	return nil
}
