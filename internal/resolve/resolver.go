// Package resolve determines what kind of site a hostname is. The registry
// asks it once per newly sighted source; answers feed the sources table.
package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lumenview/visibility-cli/internal/model"
	"github.com/lumenview/visibility-cli/internal/resilience"
	"github.com/lumenview/visibility-cli/pkg/anthropic"
	"github.com/lumenview/visibility-cli/pkg/sitemeta"
)

// Info is what the resolver could learn about a hostname. Fields are nil
// when unknown; Type is always set, falling back to the generic WEBSITE.
type Info struct {
	Name        *string
	Description *string
	Type        *string
}

// HostnameIndex answers whether any already-registered source on the
// hostname carries a type. The store satisfies this.
type HostnameIndex interface {
	LookupHostnameType(ctx context.Context, hostname string) (*string, error)
}

// Resolver classifies hostnames through a fallback chain: known-hostname
// lookup, then live homepage fetch plus AI classification, then WEBSITE.
// It never returns an error; a citation is worth keeping even when nothing
// can be learned about its site.
type Resolver struct {
	index      HostnameIndex
	meta       sitemeta.Client
	llm        anthropic.Client
	model      string
	fetchRetry resilience.RetryConfig

	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithModel overrides the classification model. An empty name keeps the
// default.
func WithModel(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.model = name
		}
	}
}

// fetchRetryConfig governs the homepage fetch. The default transient check
// applies: a rate-limited or failing homepage is retried, a 404 is not.
func fetchRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// New creates a Resolver. meta and llm may be nil, which disables the live
// classification step.
func New(index HostnameIndex, meta sitemeta.Client, llm anthropic.Client, opts ...Option) *Resolver {
	r := &Resolver{
		index:      index,
		meta:       meta,
		llm:        llm,
		model:      anthropic.DefaultModel,
		fetchRetry: fetchRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve classifies a hostname. Concurrent calls for the same hostname
// collapse into one lookup.
func (r *Resolver) Resolve(ctx context.Context, hostname, correlationID string) Info {
	v, _, _ := r.group.Do(hostname, func() (any, error) {
		return r.resolve(ctx, hostname, correlationID), nil
	})
	return v.(Info)
}

func (r *Resolver) resolve(ctx context.Context, hostname, correlationID string) Info {
	log := zap.L().With(
		zap.String("hostname", hostname),
		zap.String("correlation_id", correlationID),
	)

	if r.index != nil {
		typ, err := r.index.LookupHostnameType(ctx, hostname)
		if err != nil {
			log.Warn("hostname type lookup failed", zap.Error(err))
		} else if typ != nil {
			log.Debug("hostname type from index", zap.String("type", *typ))
			return Info{Type: typ}
		}
	}

	if info, ok := r.resolveLive(ctx, hostname, log); ok {
		return info
	}

	fallback := model.TypeWebsite
	return Info{Type: &fallback}
}

func (r *Resolver) resolveLive(ctx context.Context, hostname string, log *zap.Logger) (Info, bool) {
	if r.meta == nil {
		return Info{}, false
	}

	md, err := resilience.DoVal(ctx, r.fetchRetry, func(ctx context.Context) (*sitemeta.Metadata, error) {
		return r.meta.Fetch(ctx, hostname)
	})
	if err != nil {
		log.Debug("homepage fetch failed", zap.Error(err))
		return Info{}, false
	}

	var info Info
	if md.Title != "" {
		title := md.Title
		info.Name = &title
	}
	if md.Description != "" {
		desc := md.Description
		info.Description = &desc
	}

	typ := r.classify(ctx, hostname, md, log)
	info.Type = &typ
	return info, true
}

// classifySystem constrains the model to the type vocabulary the metrics
// layer groups by.
const classifySystem = `You classify websites. Given a hostname and homepage metadata, answer with exactly one word from this list: WEBSITE, NEWS, BLOG, DOCUMENTATION, FORUM, SOCIAL, ECOMMERCE. Answer with the single word only.`

func (r *Resolver) classify(ctx context.Context, hostname string, md *sitemeta.Metadata, log *zap.Logger) string {
	if r.llm == nil {
		return model.TypeWebsite
	}

	resp, err := r.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     r.model,
		MaxTokens: 16,
		System:    classifySystem,
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Hostname: %s\nTitle: %s\nDescription: %s", hostname, md.Title, md.Description)},
		},
	})
	if err != nil {
		log.Warn("type classification failed", zap.Error(err))
		return model.TypeWebsite
	}

	label := strings.ToUpper(strings.TrimSpace(resp.Text()))
	if fields := strings.Fields(label); len(fields) > 0 {
		label = fields[0]
	}
	if !validType(label) {
		log.Debug("unrecognized type label", zap.String("label", label))
		return model.TypeWebsite
	}
	return label
}

func validType(label string) bool {
	switch label {
	case model.TypeWebsite, model.TypeNews, model.TypeBlog, model.TypeDocumentation,
		model.TypeForum, model.TypeSocial, model.TypeEcommerce:
		return true
	default:
		return false
	}
}
