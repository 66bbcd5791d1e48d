// Package protocol implements the per-session command loop of the control
// channel.
//
// A session moves ADMITTED -> ACTIVE -> CLOSED. On admission it receives a
// private INIT snapshot; afterwards each inbound frame is decoded, validated
// and dispatched. Every state mutation and the broadcast that announces it
// happen under one publish lock, so all sessions observe STATE_UPDATE events
// in commit order. AI prompts run on a per-session worker; the state store is
// never locked while the completion service is working.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/hub"
	"github.com/codefionn/orbit/internal/logger"
	"github.com/codefionn/orbit/internal/state"
)

// FrameSource yields the inbound frames of one session. ReadFrame returns an
// error wrapping ErrTransportClosed or io.EOF once the peer is gone.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// Options tunes an Engine
type Options struct {
	// Streaming forwards completion chunks when the completer supports it
	Streaming bool
	// FramesPerSecond limits inbound frames per session; 0 disables the limit
	FramesPerSecond float64
	FrameBurst      int
	// PromptQueue is the number of AI prompts a session may have queued
	PromptQueue int
	Logger      *logger.Logger
}

// DefaultOptions returns the options used by the server
func DefaultOptions() Options {
	return Options{
		Streaming:       true,
		FramesPerSecond: consts.DefaultFramesPerSecond,
		FrameBurst:      consts.DefaultFrameBurst,
		PromptQueue:     consts.DefaultPromptQueue,
	}
}

// Engine runs the protocol for every session of one hub
type Engine struct {
	store     *state.Store
	hub       *hub.Hub
	completer Completer
	opts      Options
	log       *logger.Logger

	// publishMu orders commit+broadcast pairs and admissions
	publishMu sync.Mutex

	// active counts prompts between their BUSY commit and their release
	active atomic.Int64

	promptMu   sync.Mutex
	nextPrompt uint64
	inflight   map[uint64]context.CancelCauseFunc

	workers sync.WaitGroup
}

// NewEngine creates an engine. A nil completer makes every AI prompt fail
// in-band.
func NewEngine(store *state.Store, h *hub.Hub, completer Completer, opts Options) *Engine {
	if opts.PromptQueue <= 0 {
		opts.PromptQueue = consts.DefaultPromptQueue
	}
	if opts.FrameBurst <= 0 {
		opts.FrameBurst = consts.DefaultFrameBurst
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().WithPrefix("engine")
	}
	if completer == nil {
		completer = CompleterFunc(func(context.Context, string) (string, error) {
			return "", errNoCompleter
		})
	}
	return &Engine{
		store:     store,
		hub:       h,
		completer: completer,
		opts:      opts,
		log:       log,
		inflight:  make(map[uint64]context.CancelCauseFunc),
	}
}

var errNoCompleter = errors.New("no completion service")

// Cancellation causes reported to the requester of a cancelled prompt
var (
	ErrHalted   = errors.New("agent halted")
	ErrShutdown = errors.New("server shutting down")
)

type promptJob struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelCauseFunc
	prompt  string
	session *hub.Session
}

// sessionRun is the per-session state owned by Serve
type sessionRun struct {
	session *hub.Session
	limiter *rate.Limiter
	prompts chan *promptJob
}

// Serve admits session, sends it the current snapshot and processes its
// frames until the transport closes or ctx is cancelled. The session is
// removed from the registry and closed before Serve returns. A normal
// disconnect returns nil.
func (e *Engine) Serve(ctx context.Context, session *hub.Session, frames FrameSource) error {
	if err := e.admit(session); err != nil {
		session.CloseWithStatus(hub.CloseTryAgainLater, "")
		return fmt.Errorf("admit session %s: %w", session.ID, err)
	}

	run := &sessionRun{
		session: session,
		limiter: e.newLimiter(),
	}
	defer e.closeSession(run)

	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := frames.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				e.log.Debug("session %s: transport closed", session.ID)
				return nil
			}
			return fmt.Errorf("session %s: read frame: %w", session.ID, err)
		}
		e.handleFrame(ctx, run, frame)
	}
}

// Wait blocks until every prompt worker has finished
func (e *Engine) Wait() {
	e.workers.Wait()
}

// CancelPrompts cancels every queued or running AI prompt with cause and
// returns how many were cancelled. The requester is told why, so cause
// should be ErrHalted, ErrShutdown or an error of the caller's own.
func (e *Engine) CancelPrompts(cause error) int {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	n := len(e.inflight)
	for id, cancel := range e.inflight {
		cancel(cause)
		delete(e.inflight, id)
	}
	return n
}

func (e *Engine) newLimiter() *rate.Limiter {
	if e.opts.FramesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(e.opts.FramesPerSecond), e.opts.FrameBurst)
}

// admit queues the INIT snapshot and registers the session in one step, so
// no STATE_UPDATE can reach the session before its INIT or be missed by it
func (e *Engine) admit(session *hub.Session) error {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	data, err := InitEvent(e.store.Snapshot()).Encode()
	if err != nil {
		return err
	}
	if err := e.hub.Send(session, data); err != nil {
		return err
	}
	if err := e.hub.Registry().Add(session); err != nil {
		return err
	}
	e.log.Info("Session %s active (subject=%s)", session.ID, session.Subject())
	return nil
}

func (e *Engine) closeSession(run *sessionRun) {
	e.hub.Registry().Remove(run.session)
	run.session.Close()
	if run.prompts != nil {
		close(run.prompts)
	}
	e.log.Debug("Session %s closed", run.session.ID)
}

func (e *Engine) handleFrame(ctx context.Context, run *sessionRun, frame []byte) {
	session := run.session
	if !run.limiter.Allow() {
		e.reply(session, ErrorEvent(msgRateLimited, nil))
		return
	}

	cmd, err := Decode(frame)
	if err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			e.log.Debug("session %s: %v", session.ID, schemaErr)
			e.reply(session, ErrorEvent(schemaErr.Error(), schemaErr))
		}
		return
	}

	switch cmd.Type {
	case TypeHaltSignal:
		e.halt(session)
	case TypeResumeSignal:
		e.resume(session)
	case TypeApproveCmd:
		e.approve(session, cmd.CmdID)
	case TypeAIPrompt:
		e.prompt(ctx, run, cmd.Prompt)
	case TypeGetState:
		e.reply(session, StateUpdateEvent(e.store.Snapshot()))
	}
}

func (e *Engine) halt(session *hub.Session) {
	patch := state.SetStatus(state.StatusHalted, state.TaskHalted)
	patch.Metadata = map[string]interface{}{"halted_by": who(session)}

	e.publishMu.Lock()
	next, err := e.store.Update(patch)
	if err != nil {
		e.publishMu.Unlock()
		e.log.Error("halt: %v", err)
		return
	}
	e.broadcast(AlertEvent(AlertHalted))
	e.broadcast(StateUpdateEvent(next))
	e.publishMu.Unlock()

	cancelled := e.CancelPrompts(ErrHalted)
	e.log.Warn("Agent HALTED by %s (%d prompt(s) cancelled)", who(session), cancelled)
}

func (e *Engine) resume(session *hub.Session) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	next, applied := e.store.UpdateFunc(func(current state.AgentState) (state.Patch, bool) {
		if current.Status != state.StatusHalted {
			return state.Patch{}, false
		}
		p := state.SetStatus(state.StatusIdle, state.TaskReady)
		p.Metadata = map[string]interface{}{"halted_by": nil}
		return p, true
	})
	if !applied {
		e.reply(session, ErrorEvent("agent is not halted", map[string]interface{}{"status": next.Status}))
		return
	}
	e.broadcast(LogEvent(fmt.Sprintf(msgResumed, who(session))))
	e.broadcast(StateUpdateEvent(next))
	e.log.Info("Agent resumed by %s", who(session))
}

func (e *Engine) approve(session *hub.Session, cmdID string) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	e.broadcast(LogEvent(fmt.Sprintf(msgApproved, cmdID, who(session))))
	e.log.Info("Command %s approved by %s", cmdID, who(session))
}

// prompt commits BUSY and hands the prompt to the session's worker. The
// read loop is the only producer on run.prompts, so a free slot seen here
// is still free when the job is queued.
func (e *Engine) prompt(ctx context.Context, run *sessionRun, text string) {
	session := run.session
	if run.prompts == nil {
		run.prompts = make(chan *promptJob, e.opts.PromptQueue)
		e.workers.Add(1)
		go e.promptWorker(run.prompts)
	}
	if len(run.prompts) == cap(run.prompts) {
		e.reply(session, ErrorEvent(msgQueueFull, nil))
		return
	}

	// client disconnect must not cancel the completion, HALT must
	job := e.registerPrompt(context.WithoutCancel(ctx), session, text)

	e.active.Add(1)
	e.publishMu.Lock()
	next, applied := e.store.UpdateFunc(func(current state.AgentState) (state.Patch, bool) {
		if current.Status == state.StatusHalted {
			return state.Patch{}, false
		}
		return state.SetStatus(state.StatusBusy, state.TaskThinking), true
	})
	if !applied {
		e.publishMu.Unlock()
		e.active.Add(-1)
		e.unregisterPrompt(job)
		e.reply(session, ErrorEvent(msgHaltedRefusal, map[string]interface{}{"status": next.Status}))
		return
	}
	e.broadcast(StateUpdateEvent(next))
	e.publishMu.Unlock()

	e.log.Info("AI prompt %d from %s accepted", job.id, who(session))
	run.prompts <- job
}

func (e *Engine) registerPrompt(parent context.Context, session *hub.Session, text string) *promptJob {
	ctx, cancel := context.WithCancelCause(parent)

	e.promptMu.Lock()
	defer e.promptMu.Unlock()
	e.nextPrompt++
	job := &promptJob{
		id:      e.nextPrompt,
		ctx:     ctx,
		cancel:  cancel,
		prompt:  text,
		session: session,
	}
	e.inflight[job.id] = cancel
	return job
}

func (e *Engine) unregisterPrompt(job *promptJob) {
	e.promptMu.Lock()
	delete(e.inflight, job.id)
	e.promptMu.Unlock()
	job.cancel(nil)
}

func (e *Engine) promptWorker(jobs <-chan *promptJob) {
	defer e.workers.Done()
	for job := range jobs {
		e.runPrompt(job)
	}
}

// runPrompt calls the completion service and always releases BUSY
func (e *Engine) runPrompt(job *promptJob) {
	defer e.releasePrompt(job)

	text, err := e.complete(job)
	if err != nil {
		cerr := &CompletionError{SessionID: job.session.ID, Err: err}
		e.log.Error("AI prompt %d failed: %v", job.id, cerr)
		e.reply(job.session, AIFailureEvent(failureText(err, context.Cause(job.ctx)), err))
		return
	}
	e.reply(job.session, AIResponseEvent(text))
}

func (e *Engine) complete(job *promptJob) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completion service panicked: %v", r)
		}
	}()
	if err := job.ctx.Err(); err != nil {
		return "", err
	}

	if sc, ok := e.completer.(StreamCompleter); ok && e.opts.Streaming {
		return sc.CompleteStream(job.ctx, job.prompt, func(chunk string) error {
			if chunk != "" {
				// a departed requester only loses its own output
				e.reply(job.session, AIChunkEvent(chunk))
			}
			return nil
		})
	}
	return e.completer.Complete(job.ctx, job.prompt)
}

// releasePrompt returns the agent to IDLE unless another prompt is still
// outstanding or the agent was halted meanwhile
func (e *Engine) releasePrompt(job *promptJob) {
	e.unregisterPrompt(job)
	e.active.Add(-1)

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	next, applied := e.store.UpdateFunc(func(current state.AgentState) (state.Patch, bool) {
		if current.Status != state.StatusBusy || e.active.Load() > 0 {
			return state.Patch{}, false
		}
		return state.SetStatus(state.StatusIdle, state.TaskReady), true
	})
	if applied {
		e.broadcast(StateUpdateEvent(next))
	}
}

// failureText picks the requester-facing text for a failed prompt. cause is
// the cancellation cause of the prompt's context, nil while it is live.
func failureText(err, cause error) string {
	var public PublicError
	switch {
	case errors.As(err, &public):
		return public.PublicMessage()
	case errors.Is(cause, ErrHalted):
		return msgCancelled
	case errors.Is(cause, ErrShutdown):
		return msgShutdown
	case errors.Is(err, context.Canceled):
		return msgAborted
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimedOut
	default:
		return "AI error: " + err.Error()
	}
}

// broadcast must be called with publishMu held
func (e *Engine) broadcast(ev Event) hub.Report {
	data, err := ev.Encode()
	if err != nil {
		e.log.Error("encode %s: %v", ev.Type, err)
		return hub.Report{}
	}
	report := e.hub.Broadcast(data)
	for _, f := range report.Failures {
		e.log.Warn("%s not delivered: %v", ev.Type, f)
	}
	return report
}

func (e *Engine) reply(session *hub.Session, ev Event) {
	data, err := ev.Encode()
	if err != nil {
		e.log.Error("encode %s: %v", ev.Type, err)
		return
	}
	if err := e.hub.Send(session, data); err != nil {
		e.log.Debug("%s to session %s dropped: %v", ev.Type, session.ID, err)
	}
}

func who(session *hub.Session) string {
	if s := session.Subject(); s != "" {
		return s
	}
	return "session " + session.ID
}
