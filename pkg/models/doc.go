// Package models defines the data exchanged with the user list authority.
//
// A [Record] is a user entry identified by an authority-assigned int64 ID.
// Changes flow as [Notification] values tagged with a [ChangeKind].
// The same envelope is used in both directions of the streaming channel:
// the client only ever sends [Lock] and [Unlock], while the authority
// may send any of the five kinds.
//
// On the wire a notification is encoded as
//
//	{"action": "Update", "data": {"id": 1, "name": "Alice"}}
package models
