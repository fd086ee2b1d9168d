package autoreply

import (
	"context"
	"errors"
	"sort"
	"strings"

	"smsd/internal/store"
)

// TextGenerator is the external generative-reply capability: given a
// conversation history, it returns reply text or fails.
type TextGenerator interface {
	Generate(ctx context.Context, history []store.Message, latest string) (string, error)
}

// ReplyProducer is the closed set of reply strategies behind one interface.
// The active strategy is selected once at startup; the worker stays agnostic
// to which one is running.
type ReplyProducer interface {
	// ProduceReply composes the reply body. template is the current
	// administrative reply template; history is the recent conversation
	// with the sender, oldest first.
	ProduceReply(ctx context.Context, template string, history []store.Message, latest string) (string, error)
}

var ErrNoGenerator = errors.New("ai strategy configured without a text generator")

// SelectProducer maps a strategy name to its producer. Unknown names fall
// back to the template strategy.
func SelectProducer(strategy string, keywords map[string]string, gen TextGenerator) (ReplyProducer, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", "template":
		return templateProducer{}, nil
	case "keyword":
		kw := lowerKeys(keywords)
		keys := make([]string, 0, len(kw))
		for k := range kw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keywordProducer{keys: keys, keywords: kw}, nil
	case "ai":
		if gen == nil {
			return nil, ErrNoGenerator
		}
		return generatorProducer{gen: gen}, nil
	default:
		return templateProducer{}, nil
	}
}

// templateProducer sends the configured template verbatim.
type templateProducer struct{}

func (templateProducer) ProduceReply(_ context.Context, template string, _ []store.Message, _ string) (string, error) {
	return template, nil
}

// keywordProducer answers with the first keyword match found in the inbound
// body (keywords checked in sorted order, so matching is deterministic),
// falling back to the template.
type keywordProducer struct {
	keys     []string
	keywords map[string]string
}

func (p keywordProducer) ProduceReply(_ context.Context, template string, _ []store.Message, latest string) (string, error) {
	body := strings.ToLower(latest)
	for _, kw := range p.keys {
		if kw != "" && strings.Contains(body, kw) {
			return p.keywords[kw], nil
		}
	}
	return template, nil
}

// generatorProducer delegates to the external reply-text generator.
type generatorProducer struct {
	gen TextGenerator
}

func (p generatorProducer) ProduceReply(ctx context.Context, _ string, history []store.Message, latest string) (string, error) {
	return p.gen.Generate(ctx, history, latest)
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}
