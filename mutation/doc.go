// Package mutation executes writes against the backend with optional
// optimistic patches of cached slots.
//
// An optimistic patch is applied before the request is sent and is visible to
// subscribers immediately. If the request fails for any reason (transport,
// server rejection, timeout, cancellation) every patched slot is restored to
// the exact value it held before the patch and the error is returned wrapped in
// a query.KindOptimisticRollback error. On success the snapshots are dropped
// and the tags named by WithInvalidates are invalidated so authoritative server
// data replaces the guess.
//
// Mutations that patch the same slot run their patch, request and
// rollback-or-commit one after another in submission order:
//
//	exec.Mutate(ctx, query.NewDescriptor("tickets", query.Params{"id": 7}), body,
//		mutation.WithMethod(http.MethodPatch),
//		mutation.WithOptimistic(listKey, mutation.UpdateRecord("id", 7, func(r query.Record) query.Record {
//			r["status"] = "closed"
//			return r
//		})),
//		mutation.WithInvalidates(query.ListTag("tickets"), query.EntityTag("tickets", 7)),
//	)
package mutation
