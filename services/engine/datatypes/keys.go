// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strconv"
	"strings"
)

// Metadata-store key layout. Clients of the export contract depend on these
// shapes, so they are fixed:
//
//	Thought row:      pk=user#{user}  sk=ts#{epochMs}#{id}
//	                  gsi1pk=type#{kind}  gsi1sk=ts#{epochMs}
//	Conversation row: pk=user#{user}  sk=conv#{id}
//	                  gsi3pk=user#{user}  gsi3sk=updated#{epochMs}
//	Message row:      pk=conv#{id}    sk=msg#{epochMs}#{id}
//	User meta row:    pk=user#{user}  sk=meta
//
// Epochs are zero-padded to 13 digits so lexicographic order matches
// numeric order for any millisecond timestamp before the year 2286.

const epochDigits = 13

func padEpoch(epochMs int64) string {
	return fmt.Sprintf("%0*d", epochDigits, epochMs)
}

// UserPK builds the partition key for a user's thoughts and conversations.
func UserPK(user string) string { return "user#" + user }

// ThoughtSK builds the time-ordered sort key for a thought row.
func ThoughtSK(epochMs int64, id string) string {
	return "ts#" + padEpoch(epochMs) + "#" + id
}

// ThoughtSKPrefix is the prefix matching every thought row under a user pk.
const ThoughtSKPrefix = "ts#"

// KindGSI1PK builds the kind-index partition key.
func KindGSI1PK(kind ThoughtKind) string { return "type#" + string(kind) }

// TimeGSI1SK builds the kind-index sort key.
func TimeGSI1SK(epochMs int64) string { return "ts#" + padEpoch(epochMs) }

// ConversationPK builds the partition key owning a conversation's messages.
func ConversationPK(id string) string { return "conv#" + id }

// ConversationSK builds the sort key for a conversation row under its user.
func ConversationSK(id string) string { return "conv#" + id }

// ConversationSKPrefix matches every conversation row under a user pk.
const ConversationSKPrefix = "conv#"

// UpdatedGSI3SK builds the recency-index sort key for conversation listing.
func UpdatedGSI3SK(epochMs int64) string { return "updated#" + padEpoch(epochMs) }

// MessageSK builds the time-ordered sort key for a message row.
func MessageSK(epochMs int64, id string) string {
	return "msg#" + padEpoch(epochMs) + "#" + id
}

// MessageSKPrefix matches every message row under a conversation pk.
const MessageSKPrefix = "msg#"

// MetaSK is the sort key of the per-user meta row carrying lastDataChange.
const MetaSK = "meta"

// ParseTimeSK extracts the epoch and id from a ts#/msg# sort key.
func ParseTimeSK(sk string) (epochMs int64, id string, err error) {
	parts := strings.SplitN(sk, "#", 3)
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("malformed time sort key %q", sk)
	}
	epochMs, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed epoch in sort key %q: %w", sk, err)
	}
	return epochMs, parts[2], nil
}

// RawBlobKey builds the object-store key for a thought's raw blob.
func RawBlobKey(user, dateISO, id string) string {
	return "thoughts/" + user + "/" + dateISO + "/" + id + ".json"
}

// GraphCacheKey builds the object-store key for a cached theme graph.
// window is a YYYY-MM month or "all".
func GraphCacheKey(user, window string) string {
	return "graph/" + user + "/" + window + "-v2.json"
}

// UserMeta is the per-user meta row. LastDataChange invalidates the graph
// cache; it is bumped by every capture, conversation mutation, and delete.
type UserMeta struct {
	User           string `json:"user"`
	LastDataChange int64  `json:"lastDataChange"`
}
