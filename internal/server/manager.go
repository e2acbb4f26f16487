// Package server exposes the forge pipeline, quest engine, and entity store
// over HTTP. Routing uses gorilla/mux; every API route runs behind the
// observability middleware.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/castfell/loresmith/internal/forge/pipeline"
	"github.com/castfell/loresmith/internal/observe"
)

// PipelineFactory builds a fresh pipeline for one campaign. Called at most
// once per campaign ID for the manager's lifetime.
type PipelineFactory func(campaignID string) *pipeline.Pipeline

// PipelineManager owns one [pipeline.Pipeline] per campaign, created lazily
// on first use. It is safe for concurrent use.
type PipelineManager struct {
	factory PipelineFactory
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
}

// ManagerOption configures a [PipelineManager] during construction.
type ManagerOption func(*PipelineManager)

// WithManagerLogger sets the logger. Defaults to [slog.Default].
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *PipelineManager) { m.log = log }
}

// WithManagerMetrics enables campaign gauge accounting.
func WithManagerMetrics(met *observe.Metrics) ManagerOption {
	return func(m *PipelineManager) { m.metrics = met }
}

// NewPipelineManager creates an empty manager.
func NewPipelineManager(factory PipelineFactory, opts ...ManagerOption) *PipelineManager {
	m := &PipelineManager{
		factory:   factory,
		log:       slog.Default(),
		pipelines: make(map[string]*pipeline.Pipeline),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the campaign's pipeline, creating it on first call.
func (m *PipelineManager) Get(campaignID string) *pipeline.Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pipelines[campaignID]; ok {
		return p
	}
	p := m.factory(campaignID)
	m.pipelines[campaignID] = p
	if m.metrics != nil {
		m.metrics.ActiveCampaigns.Add(context.Background(), 1)
	}
	m.log.Info("pipeline registered", "campaign_id", campaignID)
	return p
}

// Remove discards the campaign's pipeline. A subsequent Get creates a fresh
// one. Removing an unknown campaign is a no-op.
func (m *PipelineManager) Remove(campaignID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[campaignID]; !ok {
		return
	}
	delete(m.pipelines, campaignID)
	if m.metrics != nil {
		m.metrics.ActiveCampaigns.Add(context.Background(), -1)
	}
	m.log.Info("pipeline removed", "campaign_id", campaignID)
}

// Active returns the number of registered pipelines.
func (m *PipelineManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelines)
}
