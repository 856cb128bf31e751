package service

import (
	"context"
	"encoding/json"

	"github.com/pipedeck/pipedeck/pkg/command"
)

// Command names understood by the native shell.
const (
	cmdListProviders   = "providers.list"
	cmdFetchPipelines  = "pipelines.fetch"
	cmdTriggerPipeline = "pipelines.trigger"
)

// nativeBackend reaches the backend through the in-process command channel
// and receives push events over the shell's event bus.
type nativeBackend struct {
	channel *command.Channel
	bus     *command.Bus
}

func (n *nativeBackend) ListProviders(ctx context.Context) ([]Provider, error) {
	raw, err := n.channel.Invoke(ctx, cmdListProviders, nil)
	if err != nil {
		return nil, err
	}
	var providers []Provider
	if err := json.Unmarshal(raw, &providers); err != nil {
		return nil, err
	}
	return providers, nil
}

func (n *nativeBackend) FetchPipelines(ctx context.Context, providerID string) ([]Pipeline, error) {
	args := map[string]string{"provider": providerID}
	raw, err := n.channel.Invoke(ctx, cmdFetchPipelines, args)
	if err != nil {
		return nil, err
	}
	var pipelines []Pipeline
	if err := json.Unmarshal(raw, &pipelines); err != nil {
		return nil, err
	}
	return pipelines, nil
}

func (n *nativeBackend) TriggerPipeline(ctx context.Context, providerID, pipelineID string) error {
	args := map[string]string{"provider": providerID, "pipeline": pipelineID}
	_, err := n.channel.Invoke(ctx, cmdTriggerPipeline, args)
	return err
}

func (n *nativeBackend) Listen(event string, cb func(payload json.RawMessage)) func() {
	return n.bus.Listen(event, cb)
}
