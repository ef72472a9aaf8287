// Package query defines the value types shared by every layer of the query cache:
// descriptors and their canonical keys, invalidation tags, decoded records and
// list pages, and the error taxonomy surfaced to callers.
//
// # Query Keys
//
// A Descriptor names a cacheable read by resource and parameters. Its Key is
// produced by a KeySerializer and is independent of parameter insertion order:
//
//	a := query.NewDescriptor("tickets", query.Params{"page": 1, "status": "open"})
//	b := query.NewDescriptor("tickets", query.Params{"status": "open", "page": 1})
//	a.Key() == b.Key() // true
//
// The default serializer sorts map keys recursively and keeps slice order, so
// nested filters canonicalize the same way top level parameters do.
//
// # Tags
//
// Tags group cache slots for bulk invalidation. They are values, not strings;
// the "KIND:id" form exists only for logs and configuration files.
//
// # Errors
//
// Every failure produced by the engine is a *Error carrying a Kind. Use KindOf
// to classify an error regardless of how many times it was wrapped.
package query
