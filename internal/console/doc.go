// Package console serves the agent-facing web console and its JSON API.
//
// # Overview
//
// Human agents work conversations from a single-page console: a queue of
// conversations ordered by recent activity, per-conversation message history,
// and claim/finish/reopen/send controls. The page polls the JSON API; the
// messages endpoint takes an after=<id> cursor so each poll returns only the
// strictly newer suffix and clients never see reordering.
//
// # Error Mapping
//
// Domain errors map onto HTTP statuses:
//
//	store.ErrNotFound            404
//	store.AlreadyClaimedError    409 (body names the holding agent)
//	store.ErrNotClaimed          400
//	store.ErrEmptyMessage        400
//	lifecycle.DeliveryError      502 (reply persisted, platform push failed)
//	anything else                500
package console
