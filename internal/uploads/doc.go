// Package uploads stores and serves image attachments.
//
// Images arriving from the platform bridge or the agent console are written
// to a flat directory under random UUID filenames and served back over HTTP
// at /uploads/<name>. Filenames carry no user-controlled content, so the
// directory cannot be traversed or collided by input.
package uploads
