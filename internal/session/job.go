package session

import (
	"context"
	"sync"
	"time"

	"voxpaste/internal/fault"
	"voxpaste/internal/ipc"
	"voxpaste/internal/logging"
	"voxpaste/internal/rewrite"
	"voxpaste/internal/store"
)

// job is one rewrite-paste-history run. The token exists from the moment
// the session enters rewriting.
type job struct {
	id        uint64
	sessionID string
	text      string
	token     *rewrite.Token
	started   time.Time

	// once guards the single terminal rewrite:done or rewrite:error.
	once sync.Once
}

type jobResult struct {
	job    *job
	result rewrite.Result
	entry  *store.HistoryEntry
	err    error
}

// terminal sends kind unless a terminal message was already sent for this
// job. It is safe to call from the loop and the worker.
func (j *job) terminal(c *Coordinator, kind ipc.OutboundKind, message string) bool {
	sent := false
	j.once.Do(func() {
		c.send(ipc.Outbound{Type: kind, SessionID: j.sessionID, Message: message})
		sent = true
	})
	return sent
}

// beginRewrite enters rewriting. The cancellation token is created before
// anything else happens, so every later cancel finds it.
func (c *Coordinator) beginRewrite(text string) {
	c.nextJob++
	j := &job{
		id:        c.nextJob,
		sessionID: c.sessionID,
		text:      text,
		token:     rewrite.NewToken(logging.ContextWithSessionID(c.ctx, c.sessionID)),
		started:   c.clk.Now(),
	}
	c.job = j

	c.transition(StatusRewriting, ReasonStopped, false)
	c.send(ipc.Outbound{Type: ipc.OutRewriteStart, SessionID: j.sessionID})
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.runJob(j)
	}()
}

// abandonJob cancels the live job. Its worker may still be running; its
// result is dropped as stale.
func (c *Coordinator) abandonJob() {
	j := c.job
	if j == nil {
		return
	}
	c.job = nil
	j.token.Cancel()
	j.terminal(c, ipc.OutRewriteDone, "")
}

// runJob runs off the event loop and posts its result back.
func (c *Coordinator) runJob(j *job) {
	res := jobResult{job: j}
	defer func() {
		c.post(func() { c.finishJob(res) })
	}()

	ctx := j.token.Context()
	appName := c.foregroundApp(ctx)
	promptID := c.promptFor(ctx, appName)

	if err := j.token.Enter("rewrite"); err != nil {
		res.err = err
		return
	}
	out := rewrite.Result{Text: j.text}
	if c.deps.Rewriter != nil {
		var err error
		out, err = c.deps.Rewriter.Rewrite(ctx, j.text, promptID)
		if err != nil {
			res.err = err
			return
		}
	}
	res.result = out

	// The rewrite has resolved either way; the helper can drop its HUD.
	j.terminal(c, ipc.OutRewriteDone, "")
	if c.afterRewrite != nil {
		c.afterRewrite(j)
	}

	if err := j.token.Enter("paste"); err != nil {
		res.err = err
		return
	}
	if c.deps.Paster != nil {
		if err := c.deps.Paster.Paste(ctx, out.Text); err != nil {
			res.err = normalizeStepError(err, "PASTE_ERROR", "paste")
			return
		}
	}

	if err := j.token.Enter("history"); err != nil {
		res.err = err
		return
	}
	if c.deps.History != nil {
		elapsed := c.clk.Now().Sub(j.started).Milliseconds()
		entry, err := c.deps.History.RecordHistory(ctx, store.NewHistory{
			RawText:          j.text,
			RewrittenText:    out.Text,
			IsRewritten:      out.Rewritten,
			AppName:          appName,
			PromptID:         promptID,
			ProcessingTimeMs: &elapsed,
		})
		if err != nil {
			res.err = normalizeStepError(err, "HISTORY_ERROR", "history")
			return
		}
		res.entry = entry
	}
}

func normalizeStepError(err error, code, op string) error {
	switch fault.KindOf(err) {
	case fault.KindCancelled:
		return fault.ErrCancelled
	case fault.KindFatal, fault.KindTransport:
		if fault.CodeOf(err, "") != "" {
			return err
		}
	}
	return fault.New(fault.KindFatal, code, op, err)
}

func (c *Coordinator) foregroundApp(ctx context.Context) string {
	if c.deps.Apps == nil {
		return ""
	}
	name, err := c.deps.Apps.ForegroundAppName(ctx)
	if err != nil {
		c.logger.Debug("foreground app lookup failed", "error", err)
		return ""
	}
	return name
}

func (c *Coordinator) promptFor(ctx context.Context, appName string) *int64 {
	if c.deps.Prompts == nil {
		return nil
	}
	p, err := c.deps.Prompts.PromptForApp(ctx, appName)
	if err != nil {
		c.logger.Warn("prompt lookup failed", "app", appName, "error", err)
		return nil
	}
	if p == nil {
		return nil
	}
	id := p.ID
	return &id
}

// finishJob applies a worker result on the event loop.
func (c *Coordinator) finishJob(res jobResult) {
	j := res.job
	defer j.token.Release()

	if c.job != j {
		c.logger.Debug("dropping stale rewrite result", "job", j.id, "session_id", j.sessionID)
		return
	}
	c.job = nil

	switch {
	case res.err == nil:
		if res.entry != nil {
			for _, o := range c.observers {
				o.HistoryRecorded(res.entry)
			}
		}
		c.logger.Info("dictation completed",
			"session_id", j.sessionID,
			"rewritten", res.result.Rewritten,
			"chars", len(res.result.Text),
		)
		c.acc.Reset()
		c.transition(StatusCompleted, ReasonCompleted, false)
		c.scheduleClear(c.opts.CompletedClear)

	case fault.IsCancelled(res.err):
		j.terminal(c, ipc.OutRewriteDone, "")
		c.acc.Reset()
		c.transition(StatusIdle, ReasonCancelled, false)

	default:
		c.logger.Error("rewrite failed", "session_id", j.sessionID, "error", res.err)
		j.terminal(c, ipc.OutRewriteError, res.err.Error())
		c.acc.Reset()
		c.notifyError(res.err)
		c.transition(StatusError, ReasonFailed, false)
		c.scheduleClear(c.opts.ErrorClear)
	}
}
