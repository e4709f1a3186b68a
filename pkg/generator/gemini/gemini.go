package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/nstogner/gemchat/pkg/generator"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	// LevelTrace is a custom log level for detailed HTTP traffic.
	LevelTrace = slog.Level(-8)

	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.5-flash"
)

// Provider implements generator.Provider using the Google Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// Verify interface compliance.
var _ generator.Provider = (*Provider)(nil)

// New creates a new Gemini provider. modelName may be empty to use DefaultModel.
func New(ctx context.Context, apiKey, modelName string) (*Provider, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Provider{client: client, model: modelName}, nil
}

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Passing a custom http.Client often bypasses the library's automatic
	// API key injection, so add it if it is missing.
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Debug("Gemini REST Request", "url", req.URL.String(), "dump", string(reqDump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Don't dump streaming bodies to avoid consuming them.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Debug("Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

// Close releases resources.
func (p *Provider) Close() {
	p.client.Close()
}

// List returns available model names.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	iter := p.client.ListModels(ctx)
	var names []string
	for {
		m, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Found Gemini model", "name", m.Name)
		names = append(names, m.Name)
	}
	return names, nil
}

// Stream opens a streaming generation request seeded with the history.
func (p *Provider) Stream(ctx context.Context, history []generator.Turn) (generator.Stream, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty history")
	}
	slog.Debug("Gemini.Stream", "model", p.model, "turns", len(history))

	gm := p.client.GenerativeModel(p.model)

	var contents []*genai.Content
	for _, turn := range history {
		role := "user"
		if turn.Role == generator.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}

	cs := gm.StartChat()
	cs.History = contents[:len(contents)-1]
	last := contents[len(contents)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{ctx: ctx, iter: iter}, nil
}

// geminiStream surfaces Gemini's delta chunks one fragment at a time. A
// single response chunk may hold several text parts, so leftovers are
// buffered between Next calls.
type geminiStream struct {
	ctx     context.Context
	iter    *genai.GenerateContentResponseIterator
	pending []string
}

func (s *geminiStream) Next() (string, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return "", err
		}

		if len(s.pending) > 0 {
			frag := s.pending[0]
			s.pending = s.pending[1:]
			return frag, nil
		}

		resp, err := s.iter.Next()
		if err == iterator.Done {
			return "", generator.Done
		}
		if err != nil {
			// The SDK wraps the context error on cancellation; report the
			// context's own error so callers can errors.Is against it.
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if txt, ok := part.(genai.Text); ok && len(txt) > 0 {
					s.pending = append(s.pending, string(txt))
				}
			}
		}
	}
}

func (s *geminiStream) Close() error {
	return nil
}
