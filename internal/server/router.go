// Package server routes inbound events from a session to the room or peer
// they are addressed to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"

	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/observability"
)

// Router validates inbound events and relays them through the registry.
type Router struct {
	registry    *Registry
	validate    *validator.Validate
	authorizer  Authorizer
	stampSender bool
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewRouter creates a router. A nil authorizer relays everything.
func NewRouter(registry *Registry, authorizer Authorizer, stampSender bool, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:    registry,
		validate:    newValidator(),
		authorizer:  authorizer,
		stampSender: stampSender,
		logger:      logger,
		metrics:     metrics,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateCallSignal, CallSignal{})
	return v
}

// validateCallSignal requires the body named by Type.
func validateCallSignal(sl validator.StructLevel) {
	var c CallSignal
	switch v := sl.Current().Interface().(type) {
	case CallSignal:
		c = v
	case *CallSignal:
		c = *v
	default:
		return
	}
	if c.Type == "" || !isNull(c.body()) {
		return
	}
	sl.ReportError(c.body(), c.Type, c.Type, "required_for_type", c.Type)
}

// Dispatch handles one raw inbound frame from s. Rejected frames are answered
// with an error frame to the sender and never reach other sessions; the
// returned error is for logging only.
func (rt *Router) Dispatch(ctx context.Context, s *Session, raw []byte) error {
	ev, data, err := DecodeFrame(raw)
	if err != nil {
		return rt.reject(s, "", err)
	}

	if err := rt.validate.Struct(ev); err != nil {
		return rt.reject(s, ev.Name(), oops.Code(CodeInvalidPayload).
			With("event", ev.Name(), "session_id", s.ID()).
			Wrapf(err, "validate %s", ev.Name()))
	}

	if err := rt.route(ctx, s, ev, data); err != nil {
		return rt.reject(s, ev.Name(), err)
	}

	rt.metrics.Event(ev.Name(), observability.OutcomeRelayed)
	return nil
}

// route relays ev. Server-room events are rebuilt from their typed fields;
// peer events forward data as received with the sender stamped in.
func (rt *Router) route(ctx context.Context, s *Session, ev Event, data json.RawMessage) error {
	switch e := ev.(type) {
	case *MemberStatusUpdate:
		if err := rt.authorizer.Authorize(ctx, s.Identity(), e); err != nil {
			return err
		}
		rt.registry.BroadcastToRoom(ServerRoom(e.ServerID), EventMemberStatusUpdate,
			StatusPayload{UserID: e.UserID, Status: e.Status}, s)

	case *MemberRoleUpdate:
		if err := rt.authorizer.Authorize(ctx, s.Identity(), e); err != nil {
			return err
		}
		rt.registry.BroadcastToRoom(ServerRoom(e.ServerID), EventMemberRoleUpdate,
			RolePayload{MemberID: e.MemberID, Role: e.Role}, s)

	case *MemberKicked:
		if err := rt.authorizer.Authorize(ctx, s.Identity(), e); err != nil {
			return err
		}
		rt.registry.BroadcastToRoom(ServerRoom(e.ServerID), EventMemberKicked,
			KickPayload{MemberID: e.MemberID}, s)

	case *DirectMessage:
		if err := requireIdentity(s, e); err != nil {
			return err
		}
		payload := data
		if rt.stampSender {
			stamped, err := withField(data, "senderId", s.UserID())
			if err != nil {
				return err
			}
			payload = stamped
		}
		rt.registry.BroadcastToRoom(UserRoom(e.ReceiverID), EventDirectMessage, payload, nil)

	case *CallSignal:
		if err := requireIdentity(s, e); err != nil {
			return err
		}
		payload, err := withField(data, "from", s.UserID())
		if err != nil {
			return err
		}
		rt.registry.BroadcastToRoom(UserRoom(e.To), EventCallSignal, payload, nil)

	case *CallEnded:
		if err := requireIdentity(s, e); err != nil {
			return err
		}
		rt.registry.BroadcastToRoom(UserRoom(e.To), EventCallEnded, nil, nil)

	default:
		return oops.Code(CodeUnknownEvent).With("event", ev.Name()).Errorf("no route for %s", ev.Name())
	}
	return nil
}

// RateLimited tells s that one of its frames was discarded by the
// per-connection rate limit.
func (rt *Router) RateLimited(s *Session) {
	rt.metrics.Event("unknown", observability.OutcomeLimited)
	rt.logger.Warn("rate limit exceeded; discarding frames", "session_id", s.ID(), "user_id", s.UserID(), "addr", s.Addr())
	rt.registry.SendToSession(s, EventError, ErrorPayload{
		Code:    CodeRateLimited,
		Message: "rate limit exceeded; frames are being discarded",
	})
}

// requireIdentity rejects peer events from sessions without a user id; there
// is no sender to stamp on them.
func requireIdentity(s *Session, ev Event) error {
	if s.UserID() != "" {
		return nil
	}
	return oops.Code(CodeUnauthenticated).
		With("event", ev.Name(), "session_id", s.ID()).
		Errorf("%s requires an authenticated session", ev.Name())
}

// reject records the failure and tells the sender why its frame was dropped.
func (rt *Router) reject(s *Session, event string, err error) error {
	code := ErrorCode(err)
	if code == "" {
		code = CodeInvalidPayload
	}

	label := event
	if label == "" {
		label = "unknown"
	}
	rt.metrics.Event(label, outcomeFor(code))
	logging.LogError(rt.logger.With("session_id", s.ID(), "user_id", s.UserID()), slog.LevelWarn, "event rejected", err)

	rt.registry.SendToSession(s, EventError, ErrorPayload{
		Code:    code,
		Event:   event,
		Message: errorMessage(err),
	})
	return err
}

func outcomeFor(code string) string {
	switch code {
	case CodeForbidden, CodeUnauthenticated:
		return observability.OutcomeForbidden
	case CodeUnknownEvent:
		return observability.OutcomeUnknown
	default:
		return observability.OutcomeInvalid
	}
}

// errorMessage keeps client-facing messages free of wrapped internals.
func errorMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return "invalid field " + verrs[0].Field() + " (" + verrs[0].Tag() + ")"
	}
	return err.Error()
}
