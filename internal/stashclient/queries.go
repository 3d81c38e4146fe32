package stashclient

import (
	"context"
	"fmt"
	"time"
)

// Scene is the subset of the upstream Scene type the core cares about,
// per spec.md §6.1's field list.
type Scene struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Organized bool          `json:"organized"`
	Details   string        `json:"details"`
	Date      string        `json:"date"`
	Rating100 *int          `json:"rating100"`
	OCounter  int           `json:"o_counter"`
	Paths     ScenePaths    `json:"paths"`
	Files     []SceneFile   `json:"files"`
	Performers []NamedEntity `json:"performers"`
	Tags       []NamedEntity `json:"tags"`
	Studio     *NamedEntity  `json:"studio"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ScenePaths mirrors the upstream Scene.paths object.
type ScenePaths struct {
	Screenshot string `json:"screenshot"`
	Preview    string `json:"preview"`
	Stream     string `json:"stream"`
}

// SceneFile mirrors one entry of Scene.files.
type SceneFile struct {
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frame_rate"`
	BitRate    int64   `json:"bit_rate"`
	VideoCodec string  `json:"video_codec"`
	AudioCodec string  `json:"audio_codec"`
}

// NamedEntity is the common {id, name} shape for performers/tags/studio.
type NamedEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FindFilter is the pagination/sort envelope for FindScenes et al.
type FindFilter struct {
	Page    int `json:"page,omitempty"`
	PerPage int `json:"per_page,omitempty"`
}

// UpdatedAtFilter is the shape spec.md §6.1 requires for incremental
// pending-count queries: `{updated_at: {value, modifier: GREATER_THAN}}`.
type UpdatedAtFilter struct {
	Value    string `json:"value"`
	Modifier string `json:"modifier"`
}

const findScenesQuery = `
query FindScenes($filter: FindFilterType, $scene_filter: SceneFilterType, $scene_ids: [Int!]) {
  findScenes(filter: $filter, scene_filter: $scene_filter, scene_ids: $scene_ids) {
    count
    scenes {
      id title organized details date rating100 o_counter
      paths { screenshot preview stream }
      files { path size duration width height frame_rate bit_rate video_codec audio_codec }
      performers { id name }
      tags { id name }
      studio { id name }
      created_at
      updated_at
    }
  }
}`

type findScenesData struct {
	FindScenes struct {
		Count  int     `json:"count"`
		Scenes []Scene `json:"scenes"`
	} `json:"findScenes"`
}

// FindScenes runs the upstream FindScenes query with the given filter and
// optional explicit scene ID list.
func (c *Client) FindScenes(ctx context.Context, filter FindFilter, sceneFilter map[string]any, sceneIDs []int) (count int, scenes []Scene, err error) {
	var data findScenesData
	vars := map[string]any{
		"filter": filter,
	}
	if sceneFilter != nil {
		vars["scene_filter"] = sceneFilter
	}
	if sceneIDs != nil {
		vars["scene_ids"] = sceneIDs
	}
	if err := c.do(ctx, findScenesQuery, vars, &data); err != nil {
		return 0, nil, err
	}
	return data.FindScenes.Count, data.FindScenes.Scenes, nil
}

const findSceneByIDQuery = `
query FindScene($id: ID!) {
  findScene(id: $id) {
    id title organized details date rating100 o_counter
    paths { screenshot preview stream }
    files { path size duration width height frame_rate bit_rate video_codec audio_codec }
    performers { id name }
    tags { id name }
    studio { id name }
    created_at
    updated_at
  }
}`

type findSceneData struct {
	FindScene *Scene `json:"findScene"`
}

// GetScene fetches one scene by ID. Returns (nil, nil) if the upstream
// has no such scene (the caller translates that into a plan-apply skip).
func (c *Client) GetScene(ctx context.Context, id string) (*Scene, error) {
	var data findSceneData
	if err := c.do(ctx, findSceneByIDQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	return data.FindScene, nil
}

const sceneUpdateMutation = `
mutation SceneUpdate($input: SceneUpdateInput!) {
  sceneUpdate(input: $input) { id }
}`

// UpdateScene applies patch (an upstream SceneUpdateInput-shaped map,
// always including "id") to one scene.
func (c *Client) UpdateScene(ctx context.Context, patch map[string]any) error {
	return c.do(ctx, sceneUpdateMutation, map[string]any{"input": patch}, nil)
}

const findPerformersQuery = `
query FindPerformers($filter: PerformerFilterType) {
  findPerformers(performer_filter: $filter) {
    count
    performers { id name }
  }
}`

type findNamedData struct {
	Count      int           `json:"count"`
	Performers []NamedEntity `json:"performers"`
	Tags       []NamedEntity `json:"tags"`
	Studios    []NamedEntity `json:"studios"`
}

// FindPerformers runs FindPerformers with an optional updated_at filter.
func (c *Client) FindPerformers(ctx context.Context, updatedAt *UpdatedAtFilter) (int, []NamedEntity, error) {
	var wrapper struct {
		FindPerformers findNamedData `json:"findPerformers"`
	}
	vars := map[string]any{}
	if updatedAt != nil {
		vars["filter"] = map[string]any{"updated_at": updatedAt}
	}
	if err := c.do(ctx, findPerformersQuery, vars, &wrapper); err != nil {
		return 0, nil, err
	}
	return wrapper.FindPerformers.Count, wrapper.FindPerformers.Performers, nil
}

const findTagsQuery = `
query FindTags($filter: TagFilterType) {
  findTags(tag_filter: $filter) {
    count
    tags { id name }
  }
}`

// FindTags runs FindTags with an optional updated_at filter.
func (c *Client) FindTags(ctx context.Context, updatedAt *UpdatedAtFilter) (int, []NamedEntity, error) {
	var wrapper struct {
		FindTags findNamedData `json:"findTags"`
	}
	vars := map[string]any{}
	if updatedAt != nil {
		vars["filter"] = map[string]any{"updated_at": updatedAt}
	}
	if err := c.do(ctx, findTagsQuery, vars, &wrapper); err != nil {
		return 0, nil, err
	}
	return wrapper.FindTags.Count, wrapper.FindTags.Tags, nil
}

const findStudiosQuery = `
query FindStudios($filter: StudioFilterType) {
  findStudios(studio_filter: $filter) {
    count
    studios { id name }
  }
}`

// FindStudios runs FindStudios with an optional updated_at filter.
func (c *Client) FindStudios(ctx context.Context, updatedAt *UpdatedAtFilter) (int, []NamedEntity, error) {
	var wrapper struct {
		FindStudios findNamedData `json:"findStudios"`
	}
	vars := map[string]any{}
	if updatedAt != nil {
		vars["filter"] = map[string]any{"updated_at": updatedAt}
	}
	if err := c.do(ctx, findStudiosQuery, vars, &wrapper); err != nil {
		return 0, nil, err
	}
	return wrapper.FindStudios.Count, wrapper.FindStudios.Studios, nil
}

const tagCreateMutation = `
mutation TagCreate($input: TagCreateInput!) {
  tagCreate(input: $input) { id name }
}`

type tagCreateData struct {
	TagCreate NamedEntity `json:"tagCreate"`
}

// CreateTag creates a tag with the given name.
func (c *Client) CreateTag(ctx context.Context, name string) (NamedEntity, error) {
	var data tagCreateData
	err := c.do(ctx, tagCreateMutation, map[string]any{"input": map[string]any{"name": name}}, &data)
	return data.TagCreate, err
}

// FindOrCreateTag looks up a tag by exact name, creating it if absent.
func (c *Client) FindOrCreateTag(ctx context.Context, name string) (NamedEntity, error) {
	_, tags, err := c.FindTagsByName(ctx, name)
	if err != nil {
		return NamedEntity{}, err
	}
	for _, t := range tags {
		if t.Name == name {
			return t, nil
		}
	}
	return c.CreateTag(ctx, name)
}

// FindTagsByName is a thin wrapper used by FindOrCreateTag; it reuses the
// same findTagsQuery shape with a name filter instead of updated_at.
func (c *Client) FindTagsByName(ctx context.Context, name string) (int, []NamedEntity, error) {
	var wrapper struct {
		FindTags findNamedData `json:"findTags"`
	}
	vars := map[string]any{"filter": map[string]any{"name": map[string]any{"value": name, "modifier": "EQUALS"}}}
	if err := c.do(ctx, findTagsQuery, vars, &wrapper); err != nil {
		return 0, nil, err
	}
	return wrapper.FindTags.Count, wrapper.FindTags.Tags, nil
}

const metadataScanMutation = `
mutation MetadataScan($input: ScanMetadataInput!) {
  metadataScan(input: $input)
}`

type metadataJobData struct {
	MetadataScan     string `json:"metadataScan"`
	MetadataGenerate string `json:"metadataGenerate"`
}

// MetadataScan triggers an upstream library scan, returning the upstream
// job ID to poll with PollStashJob.
func (c *Client) MetadataScan(ctx context.Context, input map[string]any) (string, error) {
	var data metadataJobData
	if err := c.do(ctx, metadataScanMutation, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	return data.MetadataScan, nil
}

const metadataGenerateMutation = `
mutation MetadataGenerate($input: GenerateMetadataInput!) {
  metadataGenerate(input: $input)
}`

// MetadataGenerate triggers upstream artifact generation, returning the
// upstream job ID to poll.
func (c *Client) MetadataGenerate(ctx context.Context, input map[string]any) (string, error) {
	var data metadataJobData
	if err := c.do(ctx, metadataGenerateMutation, map[string]any{"input": input}, &data); err != nil {
		return "", err
	}
	return data.MetadataGenerate, nil
}

const stopJobMutation = `
mutation StopJob($job_id: ID!) {
  stopJob(job_id: $job_id)
}`

// StopJob requests cancellation of an upstream job.
func (c *Client) StopJob(ctx context.Context, jobID string) error {
	return c.do(ctx, stopJobMutation, map[string]any{"job_id": jobID}, nil)
}

// UpstreamJobStatus is the closed enum returned by FindJob.
type UpstreamJobStatus string

const (
	UpstreamReady     UpstreamJobStatus = "READY"
	UpstreamRunning   UpstreamJobStatus = "RUNNING"
	UpstreamFinished  UpstreamJobStatus = "FINISHED"
	UpstreamFailed    UpstreamJobStatus = "FAILED"
	UpstreamCancelled UpstreamJobStatus = "CANCELLED"
	UpstreamStopping  UpstreamJobStatus = "STOPPING"
)

// UpstreamJob mirrors the upstream FindJob response shape.
type UpstreamJob struct {
	ID          string            `json:"id"`
	Status      UpstreamJobStatus `json:"status"`
	Progress    float64           `json:"progress"`
	Description string            `json:"description"`
	Error       string            `json:"error"`
}

const findJobQuery = `
query FindJob($input: FindJobInput!) {
  findJob(input: $input) { id status progress description error }
}`

type findJobData struct {
	FindJob *UpstreamJob `json:"findJob"`
}

// FindJob fetches the current state of an upstream job.
func (c *Client) FindJob(ctx context.Context, jobID string) (*UpstreamJob, error) {
	var data findJobData
	if err := c.do(ctx, findJobQuery, map[string]any{"input": map[string]any{"id": jobID}}, &data); err != nil {
		return nil, err
	}
	return data.FindJob, nil
}

const versionQuery = `
query Version {
  version { version hash build_time }
}`

type versionData struct {
	Version struct {
		Version   string `json:"version"`
		Hash      string `json:"hash"`
		BuildTime string `json:"build_time"`
	} `json:"version"`
}

// TestConnection verifies connectivity and auth against the upstream.
func (c *Client) TestConnection(ctx context.Context) error {
	var data versionData
	if err := c.do(ctx, versionQuery, nil, &data); err != nil {
		return err
	}
	if data.Version.Version == "" {
		return fmt.Errorf("stashclient: empty version response")
	}
	return nil
}

// CountUpdatedSince satisfies internal/synccoord.PendingCounter. When
// since is nil, it returns the unfiltered total count for entityType (no
// prior successful sync to diff against).
func (c *Client) CountUpdatedSince(entityType string, since *time.Time) (int, error) {
	ctx := context.Background()
	var filter *UpdatedAtFilter
	if since != nil {
		filter = &UpdatedAtFilter{
			Value:    since.In(c.location).Truncate(time.Second).Format("2006-01-02T15:04:05Z"),
			Modifier: "GREATER_THAN",
		}
	}

	switch entityType {
	case "scene":
		var vars map[string]any
		if filter != nil {
			vars = map[string]any{"filter": map[string]any{"updated_at": filter}}
		}
		var wrapper struct {
			FindScenes struct {
				Count int `json:"count"`
			} `json:"findScenes"`
		}
		if err := c.do(ctx, findScenesCountQuery, vars, &wrapper); err != nil {
			return 0, err
		}
		return wrapper.FindScenes.Count, nil
	case "performer":
		count, _, err := c.FindPerformers(ctx, filter)
		return count, err
	case "tag":
		count, _, err := c.FindTags(ctx, filter)
		return count, err
	case "studio":
		count, _, err := c.FindStudios(ctx, filter)
		return count, err
	default:
		return 0, fmt.Errorf("stashclient: unknown entity type %q", entityType)
	}
}

const findScenesCountQuery = `
query FindScenesCount($filter: SceneFilterType) {
  findScenes(scene_filter: $filter) { count }
}`
