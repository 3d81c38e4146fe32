package jobservice

// These constants are the closed set of job types spec.md §3 names. Each
// is a plain string (not a Go-side enum guarding construction) because job rows are
// persisted as text and the Job Store must accept any string a caller
// hands it — unknown types are rejected at Launch time by the registry
// lookup, not by the type system.
const (
	TypeSync                   = "SYNC"
	TypeSyncScenes             = "SYNC_SCENES"
	TypeSyncPerformers         = "SYNC_PERFORMERS"
	TypeSyncTags               = "SYNC_TAGS"
	TypeSyncStudios            = "SYNC_STUDIOS"
	TypeAnalysis               = "ANALYSIS"
	TypeNonAIAnalysis          = "NON_AI_ANALYSIS"
	TypeApplyPlan              = "APPLY_PLAN"
	TypeGenerateDetails        = "GENERATE_DETAILS"
	TypeStashScan              = "STASH_SCAN"
	TypeStashGenerate          = "STASH_GENERATE"
	TypeCheckStashGenerate     = "CHECK_STASH_GENERATE"
	TypeLocalGenerate          = "LOCAL_GENERATE"
	TypeProcessDownloads       = "PROCESS_DOWNLOADS"
	TypeProcessNewScenes       = "PROCESS_NEW_SCENES"
	TypeCleanup                = "CLEANUP"
	TypeRemoveOrphanedEntities = "REMOVE_ORPHANED_ENTITIES"
	TypeExport                 = "EXPORT"
	TypeImport                 = "IMPORT"
	TypeTest                   = "TEST"
)

// Lock group names for the mutual-exclusion groups spec.md §4.4 mandates.
// A type whose Group is left as its own name takes a lock shared with no
// other type.
const (
	GroupSync     = "sync-lock"
	GroupAnalysis = "analysis-lock"
)

// TypeInfo is the static metadata spec.md §4.4 calls the JobType table:
// a closed enum plus a description of how each type behaves under the
// Job Service's scheduling rules. It never changes at runtime, the same
// way the teacher's retry-tier/provider tables are compiled-in constants
// rather than rows in a database.
type TypeInfo struct {
	Type            string
	DisplayLabel    string
	Category        string
	ProgressUnit    string
	Group           string
	AllowConcurrent bool
	IsWorkflow      bool
}

// TypeTable is the full static registry of job type metadata. Handlers
// are registered separately (internal/jobs wires a Handler onto each of
// these via TypeSpec); TypeTable exists so category/label/lock-group
// information is available to callers (e.g. an eventual HTTP surface)
// without depending on which handlers happen to be registered.
var TypeTable = []TypeInfo{
	{Type: TypeSync, DisplayLabel: "Sync All", Category: "sync", ProgressUnit: "entities", Group: GroupSync},
	{Type: TypeSyncScenes, DisplayLabel: "Sync Scenes", Category: "sync", ProgressUnit: "scenes", Group: GroupSync},
	{Type: TypeSyncPerformers, DisplayLabel: "Sync Performers", Category: "sync", ProgressUnit: "performers", Group: GroupSync},
	{Type: TypeSyncTags, DisplayLabel: "Sync Tags", Category: "sync", ProgressUnit: "tags", Group: GroupSync},
	{Type: TypeSyncStudios, DisplayLabel: "Sync Studios", Category: "sync", ProgressUnit: "studios", Group: GroupSync},
	{Type: TypeAnalysis, DisplayLabel: "Analyze Scenes", Category: "analysis", ProgressUnit: "scenes", Group: GroupAnalysis, IsWorkflow: true},
	{Type: TypeNonAIAnalysis, DisplayLabel: "Non-AI Analysis", Category: "analysis", ProgressUnit: "scenes", Group: GroupAnalysis, IsWorkflow: true},
	{Type: TypeApplyPlan, DisplayLabel: "Apply Plan", Category: "analysis", ProgressUnit: "changes", Group: GroupAnalysis},
	{Type: TypeGenerateDetails, DisplayLabel: "Generate Details", Category: "analysis", ProgressUnit: "scenes", Group: GroupAnalysis},
	{Type: TypeStashScan, DisplayLabel: "Stash Scan", Category: "upstream", ProgressUnit: "percent", Group: TypeStashScan},
	{Type: TypeStashGenerate, DisplayLabel: "Stash Generate", Category: "upstream", ProgressUnit: "percent", Group: TypeStashGenerate},
	{Type: TypeCheckStashGenerate, DisplayLabel: "Check Stash Generate", Category: "upstream", ProgressUnit: "percent", Group: TypeCheckStashGenerate},
	{Type: TypeLocalGenerate, DisplayLabel: "Local Generate", Category: "maintenance", ProgressUnit: "files", Group: TypeLocalGenerate},
	{Type: TypeProcessDownloads, DisplayLabel: "Process Downloads", Category: "maintenance", ProgressUnit: "files", Group: TypeProcessDownloads},
	{Type: TypeProcessNewScenes, DisplayLabel: "Process New Scenes", Category: "maintenance", ProgressUnit: "scenes", Group: TypeProcessNewScenes},
	{Type: TypeCleanup, DisplayLabel: "Cleanup", Category: "maintenance", ProgressUnit: "rows", Group: TypeCleanup},
	{Type: TypeRemoveOrphanedEntities, DisplayLabel: "Remove Orphaned Entities", Category: "maintenance", ProgressUnit: "entities", Group: TypeRemoveOrphanedEntities},
	{Type: TypeExport, DisplayLabel: "Export", Category: "data", ProgressUnit: "entities", Group: TypeExport},
	{Type: TypeImport, DisplayLabel: "Import", Category: "data", ProgressUnit: "entities", Group: TypeImport},
	{Type: TypeTest, DisplayLabel: "Test", Category: "diagnostic", ProgressUnit: "ticks", Group: TypeTest, AllowConcurrent: true},
}
