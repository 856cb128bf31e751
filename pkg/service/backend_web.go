package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pipedeck/pipedeck/pkg/restclient"
	"github.com/pipedeck/pipedeck/pkg/wsclient"
)

// webBackend reaches the backend over REST and receives push events through
// the WebSocket client's listener registry.
type webBackend struct {
	rest   *restclient.Client
	socket *wsclient.Client
}

func (w *webBackend) ListProviders(ctx context.Context) ([]Provider, error) {
	var providers []Provider
	if err := w.rest.Get(ctx, "/api/providers", &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

func (w *webBackend) FetchPipelines(ctx context.Context, providerID string) ([]Pipeline, error) {
	var pipelines []Pipeline
	path := fmt.Sprintf("/api/providers/%s/pipelines", providerID)
	if err := w.rest.Get(ctx, path, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

func (w *webBackend) TriggerPipeline(ctx context.Context, providerID, pipelineID string) error {
	path := fmt.Sprintf("/api/providers/%s/pipelines/%s/trigger", providerID, pipelineID)
	return w.rest.Post(ctx, path, nil, nil)
}

func (w *webBackend) Listen(event string, cb func(payload json.RawMessage)) func() {
	return w.socket.Listen(event, wsclient.EventCallback(cb))
}
