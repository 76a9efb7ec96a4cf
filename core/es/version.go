package es

import "log/slog"

// Version counts the events appended to an aggregate's stream. A fresh
// aggregate has version 0; the first event brings it to 1. Version drives
// optimistic concurrency control: an append states the version it expects
// the stream to be at, and the store rejects the write when the stream has
// moved past it.
type Version uint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }

// Next returns the version after v.
func (v Version) Next() Version { return v + 1 }
