package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/aixterm/internal/ipc"
)

// ErrUnknownCommand is returned by a Plugin for a command it does not handle.
var ErrUnknownCommand = errors.New("unknown plugin command")

// Plugin handles plugin requests addressed to its id.
type Plugin interface {
	Info() ipc.PluginInfo
	Handle(ctx context.Context, command string, data json.RawMessage) (any, error)
}

// BuiltinPlugins returns the built-in plugins named in enabled.
func BuiltinPlugins(enabled []string) ([]Plugin, error) {
	available := map[string]Plugin{
		"hello": HelloPlugin{},
	}
	out := make([]Plugin, 0, len(enabled))
	for _, id := range enabled {
		p, ok := available[strings.TrimSpace(id)]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", id)
		}
		out = append(out, p)
	}
	return out, nil
}

type pluginHost struct {
	plugins map[string]Plugin
}

func newPluginHost(plugins []Plugin) *pluginHost {
	h := &pluginHost{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		h.plugins[p.Info().ID] = p
	}
	return h
}

func (h *pluginHost) get(id string) (Plugin, bool) {
	p, ok := h.plugins[id]
	return p, ok
}

func (h *pluginHost) infos() map[string]ipc.PluginInfo {
	out := make(map[string]ipc.PluginInfo, len(h.plugins))
	for id, p := range h.plugins {
		out[id] = p.Info()
	}
	return out
}

func (h *pluginHost) ids() []string {
	ids := make([]string, 0, len(h.plugins))
	for id := range h.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HelloPlugin is the built-in example plugin.
type HelloPlugin struct{}

func (HelloPlugin) Info() ipc.PluginInfo {
	return ipc.PluginInfo{ID: "hello", Name: "Hello World", Version: "0.1.0"}
}

func (HelloPlugin) Handle(_ context.Context, command string, data json.RawMessage) (any, error) {
	switch command {
	case "hello":
		return map[string]string{"message": "Hello, World!"}, nil
	case "hello_name":
		var args struct {
			Name string `json:"name"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &args); err != nil {
				return nil, fmt.Errorf("decode hello_name data: %w", err)
			}
		}
		name := strings.TrimSpace(args.Name)
		if name == "" {
			name = "anonymous"
		}
		return map[string]string{"message": fmt.Sprintf("Hello, %s!", name)}, nil
	default:
		return nil, ErrUnknownCommand
	}
}
