// Package rewrite turns a raw transcript into cleaned-up text through an
// external language model, with cancellation honored at every step.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"voxpaste/internal/fault"
	"voxpaste/internal/logging"
	"voxpaste/internal/store"
)

// Generator produces text for a fully rendered prompt. It returns
// fault.ErrUnavailable when it has no credentials.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// PromptSource looks up prompt templates and the user dictionary.
type PromptSource interface {
	Prompt(ctx context.Context, id int64) (*store.Prompt, error)
	DefaultPrompt(ctx context.Context) (*store.Prompt, error)
	DictionaryWords(ctx context.Context) ([]store.DictionaryWord, error)
}

// Result is the outcome of a rewrite.
type Result struct {
	Text      string
	Rewritten bool
	Duration  time.Duration
}

// Pipeline renders the prompt and calls the generator.
type Pipeline struct {
	gen     Generator
	prompts PromptSource
	logger  *slog.Logger
}

// NewPipeline creates a pipeline. A nil generator makes every rewrite a
// passthrough; a nil prompt source uses the built-in template and no
// dictionary.
func NewPipeline(gen Generator, prompts PromptSource, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{gen: gen, prompts: prompts, logger: logger}
}

// Rewrite rewrites text with the prompt identified by promptID, or the
// default prompt when promptID is nil.
//
// A ctx that is already done yields fault.ErrCancelled without calling the
// generator. If ctx is cancelled while the generator runs, Rewrite returns
// immediately and the late reply is discarded. A generator without
// credentials is a passthrough: the input comes back unchanged with
// Rewritten false and no error.
func (p *Pipeline) Rewrite(ctx context.Context, text string, promptID *int64) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, fault.ErrCancelled
	}
	if p.gen == nil {
		return Result{Text: text}, nil
	}

	rendered, err := p.render(ctx, text, promptID)
	if err != nil {
		if fault.IsCancelled(err) || ctx.Err() != nil {
			return Result{}, fault.ErrCancelled
		}
		return Result{}, fault.New(fault.KindFatal, "PROMPT_ERROR", "rewrite", err)
	}

	if ctx.Err() != nil {
		return Result{}, fault.ErrCancelled
	}

	type reply struct {
		text string
		err  error
	}
	// Buffered so the generator goroutine never blocks on an abandoned call.
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		out, err := p.gen.Generate(ctx, rendered)
		done <- reply{out, err}
	}()

	select {
	case <-ctx.Done():
		p.log(ctx).Debug("rewrite cancelled in flight")
		return Result{}, fault.ErrCancelled
	case r := <-done:
		elapsed := time.Since(start)
		if r.err != nil {
			return p.failure(ctx, text, r.err, elapsed)
		}
		out := strings.TrimSpace(r.text)
		if out == "" {
			p.log(ctx).Warn("rewrite returned empty text, keeping original")
			return Result{Text: text, Duration: elapsed}, nil
		}
		return Result{Text: out, Rewritten: true, Duration: elapsed}, nil
	}
}

// log tags the logger with the dictation session carried by ctx.
func (p *Pipeline) log(ctx context.Context) *slog.Logger {
	if id := logging.SessionIDFromContext(ctx); id != "" {
		return p.logger.With("session_id", id)
	}
	return p.logger
}

func (p *Pipeline) failure(ctx context.Context, text string, err error, elapsed time.Duration) (Result, error) {
	switch fault.KindOf(err) {
	case fault.KindUnavailable:
		p.log(ctx).Debug("rewrite unavailable, passing text through")
		return Result{Text: text, Duration: elapsed}, nil
	case fault.KindCancelled:
		return Result{}, fault.ErrCancelled
	}
	if ctx.Err() != nil {
		return Result{}, fault.ErrCancelled
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return Result{}, err
	}
	return Result{}, fault.New(fault.KindFatal, "REWRITE_ERROR", "rewrite", err)
}

// render fills the prompt template.
func (p *Pipeline) render(ctx context.Context, text string, promptID *int64) (string, error) {
	template := FallbackTemplate
	var words []store.DictionaryWord

	if p.prompts != nil {
		var prompt *store.Prompt
		var err error
		if promptID != nil {
			prompt, err = p.prompts.Prompt(ctx, *promptID)
			if err != nil {
				return "", fmt.Errorf("load prompt %d: %w", *promptID, err)
			}
		}
		if prompt == nil {
			prompt, err = p.prompts.DefaultPrompt(ctx)
			if err != nil {
				return "", fmt.Errorf("load default prompt: %w", err)
			}
		}
		if prompt != nil && strings.TrimSpace(prompt.Content) != "" {
			template = prompt.Content
		}

		words, err = p.prompts.DictionaryWords(ctx)
		if err != nil {
			return "", fmt.Errorf("load dictionary: %w", err)
		}
	}

	return Render(template, text, words), nil
}

// FallbackTemplate is used when no prompt is stored.
const FallbackTemplate = store.DefaultPromptTemplate

// Render substitutes {{text}} and {{dictionary}} in template. Substitution is
// a single pass, so placeholders inside the dictated text are left alone.
func Render(template, text string, words []store.DictionaryWord) string {
	r := strings.NewReplacer(
		"{{text}}", text,
		"{{dictionary}}", RenderDictionary(words),
	)
	return r.Replace(template)
}

// RenderDictionary formats words as "- reading → display" lines under a
// short heading. It returns "" for an empty dictionary.
func RenderDictionary(words []store.DictionaryWord) string {
	if len(words) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Dictionary (write each reading as shown):")
	for _, w := range words {
		b.WriteString("\n- ")
		b.WriteString(w.Reading)
		b.WriteString(" → ")
		b.WriteString(w.Display)
	}
	return b.String()
}
