// Package models enumerates the models an LM Studio server offers and the
// model artifacts present on local disk.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"github.com/comigor/lmchat/internal/logger"
)

// ErrUpstreamUnavailable is returned when the inference server cannot be reached
// or answers with a non-success status.
var ErrUpstreamUnavailable = errors.New("model server unavailable")

// fetchTimeout bounds a shared listing request, which outlives any single caller.
const fetchTimeout = 30 * time.Second

// Model is the normalized model descriptor handed to the rest of the system.
type Model struct {
	Identifier    string `json:"identifier"`
	DisplayName   string `json:"displayName"`
	Loaded        bool   `json:"loaded"`
	ContextLength *int   `json:"contextLength,omitempty"`
	Type          string `json:"type,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
	Architecture  string `json:"architecture,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
}

// Lister is the subset of openai.Client used for the OpenAI-compatible fallback.
type Lister interface {
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Directory lists the models known to the upstream server.
type Directory struct {
	baseURL    string
	httpClient *http.Client
	lister     Lister

	group singleflight.Group
}

// NewDirectory returns a Directory querying baseURL. lister may be nil to disable the fallback.
func NewDirectory(baseURL string, httpClient *http.Client, lister Lister) *Directory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Directory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		lister:     lister,
	}
}

// List fetches a fresh snapshot. Concurrent callers share one upstream request;
// a caller that gives up stops waiting without failing the others.
func (d *Directory) List(ctx context.Context) ([]Model, error) {
	ch := d.group.DoChan("models", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return d.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// Callers get their own slice; the shared result must stay untouched.
		shared := res.Val.([]Model)
		out := make([]Model, len(shared))
		copy(out, shared)
		return out, nil
	}
}

func (d *Directory) fetch(ctx context.Context) ([]Model, error) {
	models, err := d.fetchNative(ctx)
	if err == nil {
		return models, nil
	}
	if d.lister == nil {
		return nil, err
	}
	logger.L.Warn("native model listing failed; falling back to /v1/models", "error", err)

	list, ferr := d.lister.ListModels(ctx)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ferr)
	}
	out := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, Model{Identifier: m.ID, DisplayName: m.ID, Publisher: m.OwnedBy})
	}
	return out, nil
}

// nativeModel mirrors an entry of LM Studio's GET /api/v0/models.
type nativeModel struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Publisher         string `json:"publisher"`
	Arch              string `json:"arch"`
	Quantization      string `json:"quantization"`
	State             string `json:"state"`
	MaxContextLength  int    `json:"max_context_length"`
	LoadedContextSize int    `json:"loaded_context_length"`
	DisplayName       string `json:"display_name"`
}

func (d *Directory) fetchNative(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/v0/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: unexpected status code: %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var payload struct {
		Data []nativeModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode model list: %v", ErrUpstreamUnavailable, err)
	}

	out := make([]Model, 0, len(payload.Data))
	for _, m := range payload.Data {
		out = append(out, normalize(m))
	}
	return out, nil
}

func normalize(m nativeModel) Model {
	out := Model{
		Identifier:   m.ID,
		DisplayName:  m.DisplayName,
		Loaded:       m.State == "loaded",
		Type:         m.Type,
		Publisher:    m.Publisher,
		Architecture: m.Arch,
		Quantization: m.Quantization,
	}
	if out.DisplayName == "" {
		out.DisplayName = m.ID
	}
	ctxLen := m.MaxContextLength
	if out.Loaded && m.LoadedContextSize > 0 {
		ctxLen = m.LoadedContextSize
	}
	if ctxLen > 0 {
		out.ContextLength = &ctxLen
	}
	return out
}
