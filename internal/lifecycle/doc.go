// Package lifecycle is the central coordination layer for conversation state.
//
// # Overview
//
// All message traffic and state transitions flow through the Service: inbound
// user messages from the platform bridge, outbound agent replies from the
// console, and the claim/finish/reopen transitions agents drive.
//
// # State Machine
//
// A conversation moves through three states:
//
//	pending  — no agent has claimed it; any agent may claim
//	claimed  — exactly one agent owns it; only then may agents send
//	finished — closed by an agent; reopens automatically on user activity
//
// Claims are first-wins: the store's conditional update guarantees at most
// one winner under concurrency, and losers learn who holds the claim.
//
// # Persistence Before Delivery
//
// Outbound replies are recorded in the store before platform delivery is
// attempted. A delivery failure never erases history: the caller gets the
// persisted message together with a DeliveryError.
package lifecycle
