package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Responder turns a prompt into a reply. Implementations range from a
// hosted-API client to a UI-automation scraper; the relay only sees this
// capability.
type Responder interface {
	Send(ctx context.Context, prompt string, metadata map[string]any) (string, error)
}

type ResponderFunc func(ctx context.Context, prompt string, metadata map[string]any) (string, error)

func (f ResponderFunc) Send(ctx context.Context, prompt string, metadata map[string]any) (string, error) {
	return f(ctx, prompt, metadata)
}

// Notifier delivers out-of-band alerts about relay activity. Delivery is
// best effort and never affects message disposition.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

type PipelineOptions struct {
	Responder Responder
	Retrier   *RetryCoordinator
	Notifier  Notifier
	Health    *HealthMonitor
	Logger    *slog.Logger
}

// Pipeline drives one envelope through received -> validated -> dispatched
// -> archived|failed. A handler's only side effects are a Responder call
// through the retry coordinator and at most one envelope written to the
// route's reply mailbox.
type Pipeline struct {
	responder Responder
	retrier   *RetryCoordinator
	notifier  Notifier
	health    *HealthMonitor
	logger    *slog.Logger
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retrier := opts.Retrier
	if retrier == nil {
		retrier = NewRetryCoordinator(RetryConfig{}, logger)
	}
	health := opts.Health
	if health == nil {
		health = NewHealthMonitor()
	}
	return &Pipeline{
		responder: opts.Responder,
		retrier:   retrier,
		notifier:  opts.Notifier,
		health:    health,
		logger:    logger,
	}
}

func (p *Pipeline) Health() *HealthMonitor {
	if p == nil {
		return nil
	}
	return p.health
}

// Outcome is the terminal transition a processed file took.
type Outcome string

const (
	OutcomeArchived Outcome = "archived"
	OutcomeFailed   Outcome = "failed"

	// OutcomeDeferred means cancellation cut the retry cycle short before a
	// verdict: the file stays pending and is re-driven on the next start.
	OutcomeDeferred Outcome = "deferred"
)

// Process applies the terminal transition for one claimed file. A nil
// envelope means the claim could not be parsed. Message-level failures are
// absorbed here (the file moves to failed, health records it); only mailbox
// I/O errors propagate to the caller. When cancellation of ctx aborts the
// retry cycle the file is left pending and the outcome is OutcomeDeferred.
func (p *Pipeline) Process(ctx context.Context, route Route, h *Handle, env *Envelope) (Outcome, error) {
	if p == nil || route.Source == nil || h == nil {
		return OutcomeFailed, ErrInvalidInput
	}
	if env == nil {
		return p.reject(route, h, &ValidationError{Reason: "envelope is not valid JSON or misses required fields"})
	}
	if err := env.Validate(); err != nil {
		return p.reject(route, h, err)
	}

	if err := p.dispatch(ctx, route, env); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// A healthy message must not land in failed/ because the
			// daemon was stopping; leave it pending.
			p.logger.Info("processing deferred by cancellation",
				"mailbox", route.Source.Name(),
				"message", h.Name())
			return OutcomeDeferred, nil
		}
		p.logger.Error("dispatch failed",
			"mailbox", route.Source.Name(),
			"message", h.Name(),
			"type", string(env.Type),
			"error", err.Error())
		if ferr := route.Source.Fail(h, err); ferr != nil {
			return OutcomeFailed, ferr
		}
		p.health.Record(false, err.Error())
		p.notify(ctx, "relay message failed",
			fmt.Sprintf("mailbox=%s message=%s error=%s", route.Source.Name(), h.Name(), err.Error()))
		return OutcomeFailed, nil
	}

	if err := route.Source.Archive(h); err != nil {
		return OutcomeFailed, err
	}
	p.health.Record(true, "")
	return OutcomeArchived, nil
}

func (p *Pipeline) reject(route Route, h *Handle, cause error) (Outcome, error) {
	p.logger.Warn("envelope rejected",
		"mailbox", route.Source.Name(),
		"message", h.Name(),
		"error", cause.Error())
	if err := route.Source.Fail(h, cause); err != nil {
		return OutcomeFailed, err
	}
	p.health.Record(false, cause.Error())
	return OutcomeFailed, nil
}

// dispatch routes on type. A panicking handler is a dispatched->failed
// transition, never a daemon crash.
func (p *Pipeline) dispatch(ctx context.Context, route Route, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	switch env.Type {
	case MessageRequest:
		return p.handleRequest(ctx, route, env)
	case MessageResponse:
		return p.handleResponse(ctx, route, env)
	case MessageError:
		return p.handleError(ctx, route, env)
	case MessageStatus:
		return p.handleStatus(ctx, route, env)
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}
}

func (p *Pipeline) handleRequest(ctx context.Context, route Route, env *Envelope) error {
	prompt, ok := env.Content["prompt"].(string)
	if !ok || strings.TrimSpace(prompt) == "" {
		return &ValidationError{Reason: "request envelope misses content.prompt"}
	}
	if p.responder == nil {
		return fmt.Errorf("%w: no responder configured", ErrInvalidState)
	}
	if route.Reply == nil {
		return fmt.Errorf("%w: route has no reply mailbox", ErrInvalidState)
	}

	var replyText string
	err := p.retrier.Run(ctx, "responder.send", func(ctx context.Context) error {
		text, err := p.responder.Send(ctx, prompt, env.Metadata)
		if err != nil {
			return err
		}
		replyText = text
		return nil
	})
	if err != nil {
		return err
	}

	reply := env.Reply(map[string]any{"content": replyText})
	if err := route.Reply.Enqueue(reply); err != nil {
		return fmt.Errorf("deliver reply for %s: %w", env.ID, err)
	}
	p.logger.Info("request answered",
		"request_id", env.ID,
		"response_id", reply.ID,
		"reply_mailbox", route.Reply.Name())
	return nil
}

func (p *Pipeline) handleResponse(ctx context.Context, route Route, env *Envelope) error {
	if route.Reply == nil {
		return fmt.Errorf("%w: route has no reply mailbox", ErrInvalidState)
	}
	if err := route.Reply.Enqueue(*env); err != nil {
		return fmt.Errorf("forward response %s: %w", env.ID, err)
	}
	p.logger.Info("response forwarded",
		"message_id", env.ID,
		"reply_mailbox", route.Reply.Name())
	return nil
}

func (p *Pipeline) handleError(ctx context.Context, route Route, env *Envelope) error {
	detail, _ := env.Content["error"].(string)
	if detail == "" {
		detail = fmt.Sprintf("%v", env.Content)
	}
	p.logger.Error("peer reported error",
		"message_id", env.ID,
		"mailbox", route.Source.Name(),
		"detail", detail)
	p.notify(ctx, "relay peer error",
		fmt.Sprintf("mailbox=%s message=%s detail=%s", route.Source.Name(), env.ID, detail))
	return nil
}

func (p *Pipeline) handleStatus(ctx context.Context, route Route, env *Envelope) error {
	p.logger.Info("status received",
		"message_id", env.ID,
		"mailbox", route.Source.Name(),
		"content", fmt.Sprintf("%v", env.Content))
	return nil
}

func (p *Pipeline) notify(ctx context.Context, subject, body string) {
	if p.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.notifier.Notify(notifyCtx, subject, body); err != nil {
		p.logger.Warn("notification failed", "subject", subject, "error", err.Error())
	}
}
