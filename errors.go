package foldercast

import (
	"errors"
)

// Error conventions for the `foldercast` package:
// ErrUnavailable:
//     a collaborator handle (store, filesystem, identity resolver, proxy info)
//     has been torn down. Fatal for the call that observed it, never for the
//     background loops, which log and continue on the next iteration.
// ErrNotFound:
//     the named subscription or folder requirement does not exist. Distinct
//     from ErrInvalidRequest so callers can tell "absent" from "malformed".
// ErrInvalidRequest:
//     empty or garbled path, missing folder, identity mismatch. Rejected
//     synchronously at the public operation boundary.
// transport failures are plain wrapped errors; the failing component reports
// them and never retries, retry belongs to the next request-loop tick.

var ErrUnavailable = errors.New("collaborator unavailable")
var ErrNotFound = errors.New("not found")
var ErrInvalidRequest = errors.New("invalid request")
