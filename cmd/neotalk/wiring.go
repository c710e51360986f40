package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/neotalk/neotalk/internal/adapters"
	"github.com/neotalk/neotalk/internal/agent"
	"github.com/neotalk/neotalk/internal/alerts"
	"github.com/neotalk/neotalk/internal/automation"
	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/devices"
	"github.com/neotalk/neotalk/internal/llm"
	"github.com/neotalk/neotalk/pkg/models"
)

// commandFanout delivers downlink commands through the MQTT adapter when
// one is connected and always reports results on the event bus.
type commandFanout struct {
	mqtt *adapters.MQTTAdapter
	bus  *bus.Bus
}

// SendCommand implements the CommandSender surface used by rules,
// workflows, decisions, the sandbox host API, and agent tools.
func (c *commandFanout) SendCommand(ctx context.Context, deviceID, command string, params map[string]string) error {
	start := time.Now()
	var err error
	if c.mqtt != nil {
		_, err = c.mqtt.SendCommand(ctx, deviceID, command, params)
	} else {
		err = fmt.Errorf("no downlink transport configured")
	}

	if c.bus != nil {
		result := bus.DeviceCommandResultEvent{
			DeviceID:   deviceID,
			Command:    command,
			Success:    err == nil,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Error = err.Error()
		}
		c.bus.Publish(result)
	}
	return err
}

// registryTyper adapts the device registry to the transform engine's
// scope lookup.
type registryTyper struct {
	registry *devices.Registry
}

func (r registryTyper) DeviceType(deviceID string) (string, bool) {
	device, err := r.registry.Get(deviceID)
	if err != nil {
		return "", false
	}
	return device.DeviceType, true
}

// snapshotProvider summarises platform state for the agent's system
// prompt.
type snapshotProvider struct {
	registry *devices.Registry
	autos    *automation.Store
	alerts   *alerts.Manager
}

func (s *snapshotProvider) Snapshot(ctx context.Context) agent.SystemSnapshot {
	snap := agent.SystemSnapshot{}
	for _, d := range s.registry.List() {
		snap.Devices = append(snap.Devices, *d)
	}
	if ruleList, err := s.autos.List(ctx, models.AutomationRule); err == nil {
		snap.RuleCount = len(ruleList)
	}
	if wfList, err := s.autos.List(ctx, models.AutomationWorkflow); err == nil {
		snap.WorkflowCount = len(wfList)
	}
	for _, a := range s.alerts.List(models.StatusActive) {
		snap.ActiveAlerts = append(snap.ActiveAlerts, *a)
	}
	return snap
}

// switchableRuntime lets the control plane swap the LLM backend at
// runtime.
type switchableRuntime struct {
	mu      sync.RWMutex
	backend llm.Runtime
}

func (s *switchableRuntime) set(backend llm.Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
}

// Name implements llm.Runtime.
func (s *switchableRuntime) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return "none"
	}
	return s.backend.Name()
}

// Chat implements llm.Runtime.
func (s *switchableRuntime) Chat(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	if backend == nil {
		return nil, llm.ErrUnavailable
	}
	return backend.Chat(ctx, messages)
}

// httpDo is the workflow engine's HTTP step implementation.
func httpDo(ctx context.Context, method, url string, headers map[string]string, body string) (int, []byte, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, data, err
}
