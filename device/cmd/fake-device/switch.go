package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink/voicelink/device/client"
	"github.com/voicelink/voicelink/pkg/protocol"
)

const (
	powerController = "Alexa.PowerController"
	powerOn         = "ON"
	powerOff        = "OFF"
)

type property struct {
	Namespace                 string `json:"namespace"`
	Name                      string `json:"name"`
	Value                     string `json:"value"`
	TimeOfSample              string `json:"timeOfSample"`
	UncertaintyInMilliseconds int    `json:"uncertaintyInMilliseconds"`
}

type stateContext struct {
	Properties []property `json:"properties"`
}

type capability struct {
	Type       string          `json:"type"`
	Interface  string          `json:"interface"`
	Version    string          `json:"version"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// endpointDescriptor is what the switch reports on discovery.
type endpointDescriptor struct {
	EndpointID        string       `json:"endpointId"`
	FriendlyName      string       `json:"friendlyName"`
	ManufacturerName  string       `json:"manufacturerName"`
	Description       string       `json:"description"`
	DisplayCategories []string     `json:"displayCategories"`
	Capabilities      []capability `json:"capabilities"`
}

// directiveResponse is the reply to a control or state directive.
type directiveResponse struct {
	Context stateContext   `json:"context"`
	Event   protocol.Event `json:"event"`
}

// powerSwitch is the simulated device state.
type powerSwitch struct {
	id   string
	name string
	now  func() time.Time

	mu    sync.Mutex
	state string
}

func newSwitch(id, name string) *powerSwitch {
	return &powerSwitch{id: id, name: name, state: powerOff, now: time.Now}
}

func (s *powerSwitch) power() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *powerSwitch) set(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *powerSwitch) discover(_ context.Context, _ protocol.DirectiveRequest) (any, error) {
	return endpointDescriptor{
		EndpointID:        s.id,
		FriendlyName:      s.name,
		ManufacturerName:  "Voicelink",
		Description:       "Simulated power switch",
		DisplayCategories: []string{"SWITCH"},
		Capabilities: []capability{
			{
				Type:       "AlexaInterface",
				Interface:  powerController,
				Version:    protocol.PayloadVersion,
				Properties: json.RawMessage(`{"supported":[{"name":"powerState"}],"proactivelyReported":true,"retrievable":true}`),
			},
			{Type: "AlexaInterface", Interface: protocol.NamespaceAlexa, Version: protocol.PayloadVersion},
		},
	}, nil
}

func (s *powerSwitch) handle(_ context.Context, req protocol.DirectiveRequest) (any, error) {
	header := req.Directive.Header
	switch {
	case header.Namespace == powerController && header.Name == "TurnOn":
		s.set(powerOn)
		return s.response(header, protocol.NameResponse), nil
	case header.Namespace == powerController && header.Name == "TurnOff":
		s.set(powerOff)
		return s.response(header, protocol.NameResponse), nil
	case header.Namespace == protocol.NamespaceAlexa && header.Name == "ReportState":
		return s.response(header, "StateReport"), nil
	default:
		return nil, fmt.Errorf("unsupported directive %s.%s", header.Namespace, header.Name)
	}
}

func (s *powerSwitch) snapshot() stateContext {
	return stateContext{Properties: []property{{
		Namespace:                 powerController,
		Name:                      "powerState",
		Value:                     s.power(),
		TimeOfSample:              s.now().UTC().Format(protocol.RequestTimeLayout),
		UncertaintyInMilliseconds: 500,
	}}}
}

func (s *powerSwitch) response(req protocol.Header, name string) directiveResponse {
	return directiveResponse{
		Context: s.snapshot(),
		Event: protocol.Event{
			Header: protocol.Header{
				Namespace:        protocol.NamespaceAlexa,
				Name:             name,
				MessageID:        protocol.ResponseMessageID(req.MessageID),
				PayloadVersion:   protocol.PayloadVersion,
				CorrelationToken: req.CorrelationToken,
			},
			Endpoint: &protocol.Endpoint{EndpointID: s.id},
			Payload:  json.RawMessage(`{}`),
		},
	}
}

// changeReport builds the event sent after a physical toggle.
func (s *powerSwitch) changeReport() (json.RawMessage, protocol.Event, error) {
	ctxJSON, err := json.Marshal(s.snapshot())
	if err != nil {
		return nil, protocol.Event{}, err
	}
	return ctxJSON, protocol.Event{
		Header: protocol.Header{
			Namespace:      protocol.NamespaceAlexa,
			Name:           protocol.NameChangeReport,
			MessageID:      uuid.New().String(),
			PayloadVersion: protocol.PayloadVersion,
		},
		Payload: json.RawMessage(`{"change":{"cause":{"type":"PHYSICAL_INTERACTION"},"properties":[]}}`),
	}, nil
}

func (s *powerSwitch) toggle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == powerOn {
		s.state = powerOff
	} else {
		s.state = powerOn
	}
}

func (s *powerSwitch) toggleLoop(ctx context.Context, c *client.Client, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.toggle()
			stateCtx, event, err := s.changeReport()
			if err != nil {
				logger.Warn("build change report failed", "error", err)
				continue
			}
			if err := c.SendEvent(stateCtx, event); err != nil {
				logger.Warn("send change report failed", "error", err)
				continue
			}
			logger.Info("switch toggled", "power", s.power())
		}
	}
}
