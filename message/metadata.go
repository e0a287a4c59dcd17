package message

// Metadata keys stamped on envelopes.
const (
	MetaKind         = "kind"          // KindCall or KindAnnounce
	MetaTarget       = "target"        // target node id
	MetaService      = "service"       // service id
	MetaMethod       = "method"        // method id
	MetaCaller       = "caller"        // opaque caller identity
	MetaOrigin       = "origin"        // originating node id
	MetaHops         = "hops"          // hops already travelled
	MetaBudget       = "budget-ms"     // remaining caller budget when the envelope left the previous hop
	MetaConnectionID = "connection-id" // connection the envelope was created for
	MetaReplyTo      = "reply-to"      // queue transports: where the response goes

	MetaFailureKind    = "failure-kind"
	MetaFailureMessage = "failure-message"
	MetaFailureNode    = "failure-node"
)

// Values of MetaKind.
const (
	KindCall     = "call"
	KindAnnounce = "announce"
)
