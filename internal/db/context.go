// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import "context"

type actorKey struct{}

// WithActor returns a context that attributes store mutations to userID in
// the operation log.
func WithActor(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the user id set by WithActor, if any.
func ActorFrom(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(actorKey{}).(int)
	return id, ok
}
