// Package transcript corrects domain vocabulary in transcripts before they
// are translated.
//
// Speech models routinely mishear product names, people and jargon. A
// [Glossary] lists the terms a session cares about and fixes them in up to
// three stages:
//
//  1. Alias replacement: known misrecognitions ("通一千文") are replaced by
//     their term ("通义千问"). This is the only stage that handles Han text,
//     which has no usable phonetic encoding here.
//  2. Phonetic matching: runs of Latin-script words are aligned with Latin
//     terms by [phonetic.Matcher] ("kubernetis" becomes "Kubernetes").
//  3. Language model: an optional [llmcorrect.Corrector] reviews the result
//     with the whole glossary as context.
//
// Stages 1 and 2 run in-process. A failing stage 3 is logged and the text
// from the earlier stages is kept.
package transcript

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/internal/transcript/llmcorrect"
	"github.com/MrWong99/pinyin/internal/transcript/phonetic"
)

// Correction methods.
const (
	MethodAlias    = "alias"
	MethodPhonetic = "phonetic"
	MethodLLM      = "llm"
)

// Term is one glossary entry.
type Term struct {
	// Text is the canonical spelling.
	Text string `yaml:"term"`

	// Aliases are spellings the speech model is known to produce instead.
	Aliases []string `yaml:"aliases"`
}

// Correction records one substitution.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
	Method     string
}

// Option is a functional option for configuring a [Glossary].
type Option func(*Glossary)

// WithPhoneticMatcher enables the phonetic stage.
func WithPhoneticMatcher(m *phonetic.Matcher) Option {
	return func(g *Glossary) { g.phonetic = m }
}

// WithLLMCorrector enables the language-model stage.
func WithLLMCorrector(c *llmcorrect.Corrector) Option {
	return func(g *Glossary) { g.llm = c }
}

// Glossary is immutable after construction and safe for concurrent use.
type Glossary struct {
	terms    []string
	aliases  []aliasPair
	replacer *strings.Replacer
	prepared *phonetic.TermSet
	phonetic *phonetic.Matcher
	llm      *llmcorrect.Corrector
}

type aliasPair struct {
	alias string
	term  string
}

// latinRun matches a run of Latin-script words separated by single spaces,
// apostrophes or hyphens.
var latinRun = regexp.MustCompile(`[\p{Latin}\d]+(?:[ '\-][\p{Latin}\d]+)*`)

// New builds a glossary. Every term needs text, and an alias may belong to
// one term only.
func New(terms []Term, opts ...Option) (*Glossary, error) {
	g := &Glossary{}
	owner := make(map[string]string)
	var errs []error
	for i, t := range terms {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			errs = append(errs, fmt.Errorf("term %d: text is required", i))
			continue
		}
		g.terms = append(g.terms, text)
		for _, a := range t.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || a == text {
				continue
			}
			if prev, ok := owner[a]; ok && prev != text {
				errs = append(errs, fmt.Errorf("alias %q is claimed by %q and %q", a, prev, text))
				continue
			}
			if _, ok := owner[a]; ok {
				continue
			}
			owner[a] = text
			g.aliases = append(g.aliases, aliasPair{alias: a, term: text})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("transcript: invalid glossary: %w", err)
	}

	// strings.Replacer prefers the earlier pair at the same position, so
	// longer aliases go first.
	slices.SortStableFunc(g.aliases, func(a, b aliasPair) int {
		return cmp.Compare(len(b.alias), len(a.alias))
	})
	oldnew := make([]string, 0, 2*len(g.aliases))
	for _, p := range g.aliases {
		oldnew = append(oldnew, p.alias, p.term)
	}
	g.replacer = strings.NewReplacer(oldnew...)
	g.prepared = phonetic.PrepareTerms(g.terms)

	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Terms returns the canonical spellings in declaration order.
func (g *Glossary) Terms() []string { return slices.Clone(g.terms) }

// Correct implements pipeline.Corrector.
func (g *Glossary) Correct(ctx context.Context, text string) (string, error) {
	out, _, err := g.CorrectDetailed(ctx, text)
	return out, err
}

// CorrectDetailed runs every configured stage and reports the substitutions
// in the order they were made. Only cancellation of ctx is returned as an
// error.
func (g *Glossary) CorrectDetailed(ctx context.Context, text string) (string, []Correction, error) {
	if len(g.terms) == 0 || strings.TrimSpace(text) == "" {
		return text, nil, nil
	}

	text, corrections := g.applyAliases(text)

	if g.phonetic != nil && g.prepared.Len() > 0 {
		var phon []Correction
		text, phon = g.applyPhonetic(text)
		corrections = append(corrections, phon...)
	}

	if g.llm != nil {
		corrected, llmCorrections, err := g.llm.Correct(ctx, text, g.terms)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return text, corrections, fmt.Errorf("transcript: correct: %w", ctxErr)
			}
			observe.Logger(ctx).Warn("transcript: llm correction failed, keeping local corrections", "err", err)
			return text, corrections, nil
		}
		text = corrected
		for _, c := range llmCorrections {
			corrections = append(corrections, Correction{
				Original:   c.Original,
				Corrected:  c.Corrected,
				Confidence: c.Confidence,
				Method:     MethodLLM,
			})
		}
	}
	return text, corrections, nil
}

func (g *Glossary) applyAliases(text string) (string, []Correction) {
	if len(g.aliases) == 0 {
		return text, nil
	}
	var corrections []Correction
	for _, p := range g.aliases {
		if strings.Contains(text, p.alias) {
			corrections = append(corrections, Correction{
				Original:   p.alias,
				Corrected:  p.term,
				Confidence: 1,
				Method:     MethodAlias,
			})
		}
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return g.replacer.Replace(text), corrections
}

// applyPhonetic aligns every Latin run with the Latin terms. At each word the
// longest window that matches a term wins, so multi-word terms take
// precedence over partial single-word matches.
func (g *Glossary) applyPhonetic(text string) (string, []Correction) {
	var (
		sb          strings.Builder
		corrections []Correction
		last        int
	)
	for _, loc := range latinRun.FindAllStringIndex(text, -1) {
		run := text[loc[0]:loc[1]]
		fixed, cs := g.matchRun(run)
		if len(cs) == 0 {
			continue
		}
		sb.WriteString(text[last:loc[0]])
		sb.WriteString(fixed)
		last = loc[1]
		corrections = append(corrections, cs...)
	}
	if len(corrections) == 0 {
		return text, nil
	}
	sb.WriteString(text[last:])
	return sb.String(), corrections
}

func (g *Glossary) matchRun(run string) (string, []Correction) {
	tokens := strings.Fields(run)
	maxWords := g.prepared.MaxWords()

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		n := min(maxWords, len(tokens)-i)
		consumed := 1
		replacement := tokens[i]
		for ; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := g.phonetic.MatchPrepared(window, g.prepared)
			if !ok {
				continue
			}
			consumed, replacement = n, term
			if window != term {
				corrections = append(corrections, Correction{
					Original:   window,
					Corrected:  term,
					Confidence: conf,
					Method:     MethodPhonetic,
				})
			}
			break
		}
		out = append(out, replacement)
		i += consumed
	}
	if len(corrections) == 0 {
		return run, nil
	}
	return strings.Join(out, " "), corrections
}
