// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package usermeta maintains the per-user meta row. Its lastDataChange
// marker invalidates the theme graph cache: every successful capture,
// conversation mutation, and delete bumps it.
package usermeta

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/recollect-labs/recollect/services/engine/datatypes"
	"github.com/recollect-labs/recollect/services/engine/store"
)

// Get returns the user's meta row, zero-valued when absent.
func Get(ctx context.Context, rs store.RecordStore, user string) (datatypes.UserMeta, error) {
	rec, err := rs.Get(ctx, datatypes.UserPK(user), datatypes.MetaSK)
	if errors.Is(err, store.ErrNotFound) {
		return datatypes.UserMeta{User: user}, nil
	}
	if err != nil {
		return datatypes.UserMeta{}, err
	}
	var meta datatypes.UserMeta
	if err := json.Unmarshal(rec.Data, &meta); err != nil {
		return datatypes.UserMeta{}, err
	}
	return meta, nil
}

// Bump advances lastDataChange to at. The marker is monotonic: an earlier
// timestamp never overwrites a later one.
func Bump(ctx context.Context, rs store.RecordStore, user string, at int64) error {
	pk := datatypes.UserPK(user)
	err := rs.Update(ctx, pk, datatypes.MetaSK, func(rec store.Record) (store.Record, error) {
		var meta datatypes.UserMeta
		if err := json.Unmarshal(rec.Data, &meta); err != nil {
			meta = datatypes.UserMeta{User: user}
		}
		if at > meta.LastDataChange {
			meta.LastDataChange = at
		}
		meta.User = user
		data, err := json.Marshal(meta)
		if err != nil {
			return store.Record{}, err
		}
		rec.Data = data
		return rec, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		data, merr := json.Marshal(datatypes.UserMeta{User: user, LastDataChange: at})
		if merr != nil {
			return merr
		}
		perr := rs.Put(ctx, store.Record{PK: pk, SK: datatypes.MetaSK, Data: data}, store.CondNotExists)
		if errors.Is(perr, store.ErrConditionFailed) {
			// Lost the creation race; retry the update path once.
			return Bump(ctx, rs, user, at)
		}
		return perr
	}
	return err
}
