package platform

import "time"

// PlanStatus mirrors the content plan state machine owned by the external
// content store. The loop never invents states; it only advances them.
type PlanStatus string

const (
	PlanPlanned       PlanStatus = "PLANNED"
	PlanRendered      PlanStatus = "RENDERED"
	PlanUploading     PlanStatus = "UPLOADING"
	PlanUploadedDraft PlanStatus = "UPLOADED_DRAFT"
	PlanPosted        PlanStatus = "POSTED"
	PlanMetricsDone   PlanStatus = "METRICS_FETCHED"
	PlanFailed        PlanStatus = "FAILED"
)

// ArmType identifies which content variable an arm tracks.
type ArmType string

const (
	ArmRecipe  ArmType = "RECIPE"
	ArmCTA     ArmType = "CTA"
	ArmVariant ArmType = "VARIANT"
	ArmClip    ArmType = "CLIP"
	ArmSnippet ArmType = "SNIPPET"
)

// ArmTypes lists every tracked arm type in evaluation order.
var ArmTypes = []ArmType{ArmRecipe, ArmCTA, ArmVariant, ArmClip, ArmSnippet}

// ArmRef ties a plan to one content variable it exercised.
type ArmRef struct {
	Type ArmType `json:"type"`
	ID   string  `json:"id"`
}

// PlanSeed is what the planner hands back for each newly created plan.
type PlanSeed struct {
	ID      string
	ArmRefs []ArmRef
	// TargetDuration is the planned clip length, used later as the
	// retention denominator when scoring.
	TargetDuration float64
}

// TopUpResult is the planner's answer to a queue top-up request.
type TopUpResult struct {
	Created  []PlanSeed
	Warnings []string
}

// CreatorInfo is the platform account snapshot fetched before uploads.
type CreatorInfo struct {
	Username       string
	FollowerCount  int64
	MaxVideoLength time.Duration
	PrivacyLevels  []string
}

// UploadTicket is the platform's handle for a single upload session.
type UploadTicket struct {
	UploadURL string
	PublishID string
}

// PublishState is the platform-side processing state of an upload.
type PublishState string

const (
	PublishProcessingUpload   PublishState = "PROCESSING_UPLOAD"
	PublishProcessingDownload PublishState = "PROCESSING_DOWNLOAD"
	PublishComplete           PublishState = "PUBLISH_COMPLETE"
	PublishFailed             PublishState = "FAILED"
)

// PublishStatus is the result of polling one publish session.
type PublishStatus struct {
	State PublishState
	// VideoID is set once the platform has assigned a public video id
	// (PUBLISH_COMPLETE); empty before that.
	VideoID string
	Reason  string
}

// PostInfo describes the post about to be created.
type PostInfo struct {
	Title        string
	PrivacyLevel string
	ScheduledFor time.Time
}

// VideoMetrics is the raw per-video counter set returned by the platform.
// Rate-looking fields may arrive either as ratios in [0,1] or as raw
// counts depending on API version; the reward scorer normalizes both.
type VideoMetrics struct {
	VideoID       string
	Views         int64
	Likes         int64
	Comments      int64
	Shares        float64
	Saves         float64
	AvgWatchTime  float64
	ViewsAt2s     float64
	ViewsAt6s     float64
	FollowerDelta int64
}

// MutateRequest asks the external mutator to derive a variant of a recipe.
type MutateRequest struct {
	RecipeID       string
	Templates      []string
	AllowedIntents []string
	Guardrails     []string
}

// ArchetypeRequest asks the external mutator for a brand-new recipe,
// seeded with existing names so it avoids collisions.
type ArchetypeRequest struct {
	AllowedIntents []string
	Guardrails     []string
	ExistingNames  []string
}
