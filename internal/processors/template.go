package processors

import (
	"context"
	"strings"

	"github.com/flowtalk-io/flowtalk/pkg/schema"
)

// fallbackMessage is sent when a template node has no usable output at all.
const fallbackMessage = "Hello! How can we help you today?"

// Template renders the node's templates into literal message bodies and an
// ordered media list, parking both in the context for the next send node.
type Template struct {
	deps Deps
}

// NewTemplate creates a Template processor.
func NewTemplate(deps Deps) *Template {
	return &Template{deps: deps}
}

func (p *Template) Type() schema.NodeType {
	return schema.NodeTemplate
}

func (p *Template) Process(ctx context.Context, in Input) (*Result, error) {
	var cfg schema.TemplateNodeConfig
	if err := decodeConfig(in.Node, &cfg); err != nil {
		return nil, err
	}

	bodies := make([]string, 0, len(cfg.Templates))
	for _, tmpl := range cfg.Templates {
		body := strings.TrimSpace(p.deps.Resolver.ResolveText(tmpl, in.Context))
		if body != "" {
			bodies = append(bodies, body)
		}
	}

	usedDefault := false
	if len(bodies) == 0 {
		usedDefault = true
		if cfg.DefaultMessage != "" {
			bodies = []string{cfg.DefaultMessage}
		} else if len(cfg.Media) == 0 {
			bodies = []string{fallbackMessage}
		}
	}

	media := make([]schema.MediaRef, 0, len(cfg.Media))
	for _, ref := range cfg.Media {
		ref.Caption = p.deps.Resolver.ResolveText(ref.Caption, in.Context)
		media = append(media, ref)
	}

	in.Context.SetPendingMessages(bodies, media)

	return &Result{Output: map[string]any{
		"bodies":       bodies,
		"media_count":  len(media),
		"used_default": usedDefault,
	}}, nil
}
