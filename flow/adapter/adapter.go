// Package adapter defines the contract between the orchestration
// kernel and channel adapters (chat platforms, web UIs, email) that
// render approval prompts and relay decisions back.
package adapter

import (
	"context"

	"github.com/dshills/approvalflow-go/flow"
)

// Renderer turns a portable approval prompt into a channel-native
// surface and delivers it to the approver.
//
// Implementations receive the callback token and must treat it as a
// secret: embed it in the action URL or interaction metadata, never in
// display text.
type Renderer interface {
	// Render delivers the approval prompt. The returned reference
	// identifies the delivered surface (message timestamp, email id)
	// for later updates; it may be empty when the channel has none.
	Render(ctx context.Context, ap *flow.Approval, callbackURL string) (ref string, err error)

	// Update reflects a decision (or expiry) back onto a previously
	// rendered surface, e.g. replacing buttons with the outcome.
	Update(ctx context.Context, ref string, ap *flow.Approval) error
}
