// Copyright (C) 2025 Recollect Labs (oss@recollect.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package blob

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "thoughts/u1/2025-06-01/t_1.json", []byte(`{"id":"t_1"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := s.Get(ctx, "thoughts/u1/2025-06-01/t_1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != `{"id":"t_1"}` {
		t.Errorf("Get = %s", data)
	}

	// Mutating the returned slice must not corrupt the stored copy.
	data[0] = 'X'
	again, _ := s.Get(ctx, "thoughts/u1/2025-06-01/t_1.json")
	if string(again) != `{"id":"t_1"}` {
		t.Error("stored object aliased caller memory")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Delete(ctx, "thoughts/u1/2025-06-01/t_1.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "thoughts/u1/2025-06-01/t_1.json"); err != nil {
		t.Errorf("Delete missing should be a no-op, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}
