package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/denizumutdereli/neurosim/pkg/core"
	"github.com/denizumutdereli/neurosim/pkg/engine"
	mcpapi "github.com/denizumutdereli/neurosim/pkg/mcp"
)

type mcpBackend struct {
	engine *engine.Engine
}

func newMCPBackend(eng *engine.Engine) *mcpBackend {
	return &mcpBackend{engine: eng}
}

func (b *mcpBackend) ListScenarios(_ context.Context) (map[string]any, error) {
	docs := scenarioDocs(b.engine)
	return map[string]any{
		"scenarios": docs,
		"count":     len(docs),
	}, nil
}

func (b *mcpBackend) RunScenario(ctx context.Context, args mcpapi.RunArgs) (map[string]any, error) {
	res, err := b.engine.Run(ctx, engine.RunRequest{
		Scenario: args.Scenario,
		Duration: args.Duration,
		Seed:     args.Seed,
		Save:     args.Save,
	})
	if err != nil {
		return nil, err
	}

	doc := map[string]any{
		"run_id":     res.Entry.RunID,
		"scenario":   res.Entry.Scenario,
		"duration_s": res.Entry.Duration,
		"steps":      res.Entry.Steps,
		"seed":       res.Entry.Seed,
		"spikes":     res.Entry.Spikes,
		"saved":      res.Entry.Saved,
		"summary":    res.Entry.Summary,
	}
	if len(res.Recording.Curves) > 0 {
		doc["curves"] = res.Recording.Curves
	}
	return doc, nil
}

func (b *mcpBackend) ListRuns(_ context.Context, scenario string, limit int) (map[string]any, error) {
	limit = clampPositive(limit, defaultRunsLimit, maxRunsLimit)
	runs := newest(b.engine.Runs(strings.TrimSpace(scenario)), limit)
	return map[string]any{
		"runs":  runs,
		"count": len(runs),
	}, nil
}

func (b *mcpBackend) ShowRun(_ context.Context, runID string, samples bool) (map[string]any, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	entry, rec, err := b.engine.Show(core.RunID(runID))
	if err != nil {
		return nil, err
	}
	doc := map[string]any{"run": entry}
	if rec != nil {
		doc["recording"] = recordingDoc(rec, samples)
	}
	return doc, nil
}
