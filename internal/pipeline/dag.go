package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/devicebridge/internal/pkg/logger"
)

const tracerName = "github.com/yungbote/devicebridge/internal/pipeline"

// Stage is one inline step of a platform run.
type Stage struct {
	Name string
	Deps []string
	Run  func(ctx context.Context) error
}

// runStages validates the stage graph and executes it sequentially in
// topological order. A failed stage marks its transitive dependents
// skipped and the run returns the failure; earlier results stay persisted
// so the next run resumes from the record flags.
func runStages(ctx context.Context, log *logger.Logger, stages []Stage) error {
	order, err := validateDAG(stages)
	if err != nil {
		return err
	}
	byName := map[string]Stage{}
	for _, s := range stages {
		byName[s.Name] = s
	}

	tracer := otel.Tracer(tracerName)
	failed := map[string]error{}
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		def := byName[name]
		if dep, derr := failedDep(def, failed); derr != nil {
			log.Warn("skipping stage", "stage", name, "failed_dependency", dep)
			failed[name] = derr
			continue
		}
		started := time.Now()
		log.Info("stage starting", "stage", name)
		stageCtx, span := tracer.Start(ctx, name)
		if err := def.Run(stageCtx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			log.Error("stage failed", "stage", name, "elapsed", time.Since(started).String(), "error", err)
			failed[name] = err
			continue
		}
		span.End()
		log.Info("stage done", "stage", name, "elapsed", time.Since(started).String())
	}

	for _, name := range order {
		if err, ok := failed[name]; ok {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}
	return nil
}

func failedDep(def Stage, failed map[string]error) (string, error) {
	for _, dep := range def.Deps {
		if err, ok := failed[dep]; ok {
			return dep, err
		}
	}
	return "", nil
}

func validateDAG(stages []Stage) ([]string, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	seen := map[string]bool{}
	for _, s := range stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("stage missing Name")
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate stage name %q", name)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %q has no Run", name)
		}
		seen[name] = true
	}
	for _, s := range stages {
		for _, dep := range s.Deps {
			if !seen[dep] {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Name, dep)
			}
		}
	}

	// Kahn topological sort, stable by input order.
	deg := map[string]int{}
	out := map[string][]string{}
	for _, s := range stages {
		deg[s.Name] = 0
	}
	for _, s := range stages {
		for _, dep := range s.Deps {
			deg[s.Name]++
			out[dep] = append(out[dep], s.Name)
		}
	}

	order := make([]string, 0, len(stages))
	added := map[string]bool{}
	for {
		progressed := false
		for _, s := range stages {
			if added[s.Name] {
				continue
			}
			if deg[s.Name] == 0 {
				added[s.Name] = true
				order = append(order, s.Name)
				for _, n := range out[s.Name] {
					deg[n]--
				}
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if len(order) != len(stages) {
		return nil, fmt.Errorf("cycle detected in stage graph")
	}
	return order, nil
}
