// Package rpcerr defines the closed tagged union of externally-visible
// error kinds and the response envelope they are rendered into at the
// RPC boundary. Internal code never constructs an envelope directly;
// it returns ordinary Go errors, and a single translation layer at the
// boundary maps them onto a Status via Wrap.
package rpcerr

import "errors"

// Kind is a well-known error name with a stable numeric code.
type Kind struct {
	Code    int
	Message string
}

var (
	KindOK                  = Kind{Code: 0, Message: "Done"}
	KindNoVM                = Kind{Code: 1, Message: "Virtual machine does not exist"}
	KindImageErr            = Kind{Code: 13, Message: "Drive image file could not be found"}
	KindMergeErr            = Kind{Code: 52, Message: "Merge failed"}
	KindDestVolumeTooSmall  = Kind{Code: 53, Message: "Destination volume too small"}
	KindReplicaErr          = Kind{Code: 54, Message: "Replication error"}
	KindUnexpected          = Kind{Code: 16, Message: "Unexpected exception"}
	KindRecovery            = Kind{Code: 99, Message: "Recovering from crash or still initializing"}
)

// Status is the envelope's {code, message} pair.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Envelope is the wire contract every externally-visible operation
// returns: {"status": {...}, ...caller-defined fields}.
type Envelope struct {
	Status Status `json:"status"`
}

// sentinel pairs each internal sentinel error with the Kind it renders
// as. Internal packages declare their own errors.New sentinels and
// register them here once, at the boundary, rather than import this
// package to construct wire errors themselves.
type sentinel struct {
	err  error
	kind Kind
}

var registry []sentinel

// Register associates an internal sentinel error with the Kind it
// should render as. Called from package init funcs; in this module
// only pkg/merger's init registers sentinels.
func Register(err error, kind Kind) {
	registry = append(registry, sentinel{err: err, kind: kind})
}

// Wrap renders any error into an envelope. An error with no registered
// Kind gets KindUnexpected's code and its own err.Error() text as the
// message. A nil error renders KindOK.
func Wrap(err error) Envelope {
	if err == nil {
		return Envelope{Status: Status{Code: KindOK.Code, Message: KindOK.Message}}
	}
	for _, s := range registry {
		if errors.Is(err, s.err) {
			return Envelope{Status: Status{Code: s.kind.Code, Message: s.kind.Message}}
		}
	}
	return Envelope{Status: Status{Code: KindUnexpected.Code, Message: err.Error()}}
}
