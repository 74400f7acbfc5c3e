package emit

import "errors"

// ErrEmissionFailure is §7's EmissionFailure class: no unused register
// available in a backend that requires one, or a jump-table slot
// alignment that can't be achieved. It is fatal per call site - the
// orchestrator aborts the whole run rather than attempting a partial
// patch (§7: "abort; no partial patching").
var ErrEmissionFailure = errors.New("emission failure")
