// Package telegram bridges Telegram chats into the handoff gateway.
//
// # Overview
//
// The bridge long-polls the Bot API for updates and relays each text or
// photo message into the lifecycle layer, keyed by the numeric chat id.
// Outbound agent replies come back through Deliver.
//
// # Idempotency
//
// Long polling redelivers updates after restarts and timeouts. Every update
// id is checked against a TTL dedupe cache before processing, so a
// redelivered update never produces a second store write or reply.
//
// # Photos
//
// Photo messages are downloaded at their largest resolution and saved to the
// upload store; the message record carries the local /uploads/ URL rather
// than a Telegram file id, so history stays readable after the Telegram URL
// expires.
package telegram
