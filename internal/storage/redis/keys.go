package redis

import (
	"fmt"

	"github.com/mcoot/clanharvest/internal/model"
)

// keys builds every Redis key under one prefix
type keys struct {
	prefix string
}

// memberSeq is the INCR counter for member ids
func (k keys) memberSeq() string {
	return fmt.Sprintf("%s:seq:member", k.prefix)
}

// member returns the key for a Member JSON document
func (k keys) member(id model.MemberID) string {
	return fmt.Sprintf("%s:member:%d", k.prefix, id)
}

// members is the ZSET of member ids scored by id
func (k keys) members() string {
	return fmt.Sprintf("%s:idx:members", k.prefix)
}

// username maps a lowercased username to a member id
func (k keys) username(key string) string {
	return fmt.Sprintf("%s:idx:username:%s", k.prefix, key)
}

// alias returns the key for an Alias JSON document
func (k keys) alias(normalized string) string {
	return fmt.Sprintf("%s:alias:%s", k.prefix, normalized)
}

// memberAliases is the SET of normalized names owned by a member
func (k keys) memberAliases(id model.MemberID) string {
	return fmt.Sprintf("%s:idx:member_aliases:%d", k.prefix, id)
}

// snapshotSeq is the INCR counter for snapshot ids
func (k keys) snapshotSeq() string {
	return fmt.Sprintf("%s:seq:snapshot", k.prefix)
}

// snapshot returns the key for a Snapshot JSON document, categories included
func (k keys) snapshot(id int64) string {
	return fmt.Sprintf("%s:snapshot:%d", k.prefix, id)
}

// snapshotUnique guards the (username, taken at) uniqueness with SETNX
func (k keys) snapshotUnique(userKey string, takenAtMillis int64) string {
	return fmt.Sprintf("%s:idx:snapshot_unique:%s:%d", k.prefix, userKey, takenAtMillis)
}

// userSnapshots is the ZSET of snapshot ids for a username scored by taken at
func (k keys) userSnapshots(userKey string) string {
	return fmt.Sprintf("%s:idx:user_snapshots:%s", k.prefix, userKey)
}

// message returns the key for a Message JSON document
func (k keys) message(id string) string {
	return fmt.Sprintf("%s:message:%s", k.prefix, id)
}

// sourceMessages is the ZSET of message ids for a source scored by creation time
func (k keys) sourceMessages(source string) string {
	return fmt.Sprintf("%s:idx:source_messages:%s", k.prefix, source)
}

// authorMessages is the SET of message ids written under a lowercased author
func (k keys) authorMessages(authorKey string) string {
	return fmt.Sprintf("%s:idx:author_messages:%s", k.prefix, authorKey)
}
