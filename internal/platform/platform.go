// Package platform declares the contracts between the control loop and its
// external collaborators (planner, renderer, publisher, mutator, content
// store). The loop decides *when* to call these; how they work is owned by
// the embedding deployment.
package platform

import (
	"context"
	"time"
)

// Planner fills the publishing queue with new content plans.
type Planner interface {
	// TopUp creates up to count new plans, optionally scheduled for a
	// specific post window. Partial success is normal; warnings describe
	// plans that could not be created.
	TopUp(ctx context.Context, count int, scheduledFor time.Time) (TopUpResult, error)
}

// Renderer composes a plan into a playable video file.
type Renderer interface {
	// Render returns the output path on success. On failure the caller
	// marks only that plan FAILED; the batch continues.
	Render(ctx context.Context, planID string) (renderPath string, err error)
}

// Publisher is the external platform client used for uploads and metrics.
type Publisher interface {
	CreatorInfo(ctx context.Context) (CreatorInfo, error)
	InitUpload(ctx context.Context, post PostInfo, renderPath string) (UploadTicket, error)
	// UploadVideo streams the rendered file to the ticket URL. Failures
	// are reported as *UploadError so callers can branch on Kind.
	UploadVideo(ctx context.Context, uploadURL, renderPath string) error
	GetPublishStatus(ctx context.Context, publishID string) (PublishStatus, error)
	VideoList(ctx context.Context) ([]string, error)
	VideoMetrics(ctx context.Context, videoIDs []string) ([]VideoMetrics, error)
}

// Mutator produces new content entities on request.
type Mutator interface {
	Mutate(ctx context.Context, req MutateRequest) error
	CreateArchetype(ctx context.Context, req ArchetypeRequest) error
}

// ContentStore is the slice of the external asset/recipe store the loop
// needs: status flips and a few read-side counts. Arm history is never
// deleted here; promotion and retirement are status flags on the
// referenced entity.
type ContentStore interface {
	PromoteArm(ctx context.Context, ref ArmRef) error
	RetireArm(ctx context.Context, ref ArmRef) error
	LiveVariantCount(ctx context.Context, recipeID string) (int, error)
	TestingVariantCount(ctx context.Context) (int, error)
	RecipeNames(ctx context.Context) ([]string, error)
	// ReseedInspiration refreshes the planner's inspiration pool; the
	// loop runs it on a long day-interval.
	ReseedInspiration(ctx context.Context) error
}
